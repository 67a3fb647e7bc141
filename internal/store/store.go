package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/bcrosbie/gridlink/internal/domain"
)

const defaultListLimit = 50

// OutcomeStore is the local journal of finished tracking attempts.
type OutcomeStore interface {
	Load() error
	Close() error

	RecordOutcome(ctx context.Context, outcome domain.TrackedOutcome) error
	// ListOutcomes returns the newest outcomes first. limit <= 0 uses a
	// default.
	ListOutcomes(ctx context.Context, limit int) ([]domain.TrackedOutcome, error)
}

// Open builds the store named by driver: "file", "postgres" or "none".
// The caller must Load it before use.
func Open(driver, filePath, databaseURL string) (OutcomeStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "file":
		return NewFileStore(filePath), nil
	case "postgres", "postgresql":
		return NewPostgresStore(databaseURL)
	case "none", "off":
		return Discard{}, nil
	default:
		return nil, domain.InvalidArgument(fmt.Sprintf("unsupported archive driver %q; expected file|postgres|none", driver))
	}
}

// Discard drops every outcome.
type Discard struct{}

func (Discard) Load() error  { return nil }
func (Discard) Close() error { return nil }

func (Discard) RecordOutcome(context.Context, domain.TrackedOutcome) error { return nil }

func (Discard) ListOutcomes(context.Context, int) ([]domain.TrackedOutcome, error) {
	return []domain.TrackedOutcome{}, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func validateOutcome(outcome domain.TrackedOutcome) error {
	if strings.TrimSpace(outcome.ID) == "" {
		return domain.InvalidArgument("outcome id is required")
	}
	if strings.TrimSpace(outcome.State) == "" {
		return domain.InvalidArgument("outcome state is required")
	}
	return nil
}
