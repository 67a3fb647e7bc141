package projection

import (
	"errors"

	"go.uber.org/zap"

	"github.com/bcrosbie/gridlink/internal/observability"
	"github.com/bcrosbie/gridlink/internal/protocol"
)

// Dispatcher decodes raw channel frames and applies them to a Store. It
// owns no state of its own.
type Dispatcher struct {
	store   *Store
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewDispatcher(store *Store, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, logger: logger, metrics: metrics}
}

// Dispatch applies one frame. The returned error is informational: unknown,
// malformed and stale frames are dropped and the caller carries on.
func (d *Dispatcher) Dispatch(raw []byte) error {
	frame, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			d.logger.Debug("frame_ignored", zap.Error(err))
			d.metrics.FrameDropped("unknown_type")
			return err
		}
		d.logger.Warn("frame_malformed", zap.Error(err), zap.Int("bytes", len(raw)))
		d.metrics.FrameDropped("malformed")
		return err
	}

	if err := d.store.Apply(frame); err != nil {
		if errors.Is(err, ErrStaleUpdate) {
			update := frame.(protocol.JobUpdate)
			d.logger.Info("job_update_stale",
				zap.Int64("job_id", update.Job.ID),
				zap.String("status", string(update.Job.Status)),
			)
			d.metrics.StaleUpdate()
			d.metrics.FrameDropped("stale")
		}
		return err
	}

	d.metrics.FrameApplied(frame.Type())
	if frame.Type() == protocol.TypeJobUpdate || frame.Type() == protocol.TypeJobsUpdate {
		d.metrics.SetFeedLength(len(d.store.Snapshot().Jobs))
	}
	d.logger.Debug("frame_applied", zap.String("type", frame.Type()))
	return nil
}
