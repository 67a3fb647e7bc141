package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/service"
	"go.uber.org/zap"
)

type Options struct {
	Addr    string
	Service *service.SnapshotService
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Token guards every /api route when set. /healthz stays open.
	Token  string
	Logger *zap.Logger
}

func NewServer(opts Options) *http.Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := opts.Service
	token := strings.TrimSpace(opts.Token)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(snapshotPageHTML))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, http.StatusOK, svc.Health())
	})
	mux.Handle("/api/snapshot", guard(token, logger, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, http.StatusOK, svc.Snapshot())
	}))
	mux.Handle("/api/jobs/recent", guard(token, logger, func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r, logger)
		if !ok {
			return
		}
		jobs, err := svc.RecentJobs(service.RecentJobsRequest{
			Limit:  limit,
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, jobs)
	}))
	mux.Handle("/api/outcomes", guard(token, logger, func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r, logger)
		if !ok {
			return
		}
		items, err := svc.ListOutcomes(r.Context(), service.ListOutcomesRequest{Limit: limit})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, items)
	}))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	return &http.Server{
		Addr:    opts.Addr,
		Handler: mux,
	}
}

func guard(token string, logger *zap.Logger, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, logger, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}
		if token != "" && requestToken(r) != token {
			writeJSON(w, logger, http.StatusUnauthorized, map[string]any{"error": "invalid authentication token"})
			return
		}
		next(w, r)
	})
}

func requestToken(r *http.Request) string {
	if value := strings.TrimSpace(r.Header.Get("X-Gridlink-Token")); value != "" {
		return value
	}
	const bearer = "Bearer "
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, bearer) {
		return strings.TrimSpace(strings.TrimPrefix(auth, bearer))
	}
	return ""
}

func parseLimit(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		writeJSON(w, logger, http.StatusBadRequest, map[string]any{"error": "limit must be non-negative int64"})
		return 0, false
	}
	return parsed, true
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := http.StatusInternalServerError
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case domain.CodeInvalidArgument:
			code = http.StatusBadRequest
		case domain.CodeNotFound:
			code = http.StatusNotFound
		case domain.CodeUnauthenticated:
			code = http.StatusUnauthorized
		case domain.CodeUnavailable:
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, logger, code, map[string]any{"error": appErr.Message})
		return
	}
	writeJSON(w, logger, code, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("http_json_encode_failed", zap.Error(err))
	}
}

const snapshotPageHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>gridlink</title>
  <style>
    :root { --bg: #08161f; --card: #102534; --line: #2a4b63; --text: #e5f4ff; --muted: #9bbacf; --ok: #54f2b2; --warn: #ffca63; --bad: #ff6b7d; }
    body { margin: 0; background: var(--bg); color: var(--text); font-family: ui-monospace, monospace; }
    main { max-width: 960px; margin: 0 auto; padding: 24px; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 12px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 8px; padding: 12px; }
    .muted { color: var(--muted); }
    table { width: 100%; border-collapse: collapse; margin-top: 16px; }
    td, th { border-bottom: 1px solid var(--line); padding: 6px; text-align: left; }
    .COMPLETED { color: var(--ok); } .RUNNING { color: var(--warn); } .FAILED { color: var(--bad); }
  </style>
</head>
<body>
<main>
  <h1>gridlink <span id="phase" class="muted"></span></h1>
  <div class="grid">
    <div class="card"><div class="muted">active nodes</div><div id="nodes">-</div></div>
    <div class="card"><div class="muted">models</div><div id="models">-</div></div>
    <div class="card"><div class="muted">jobs done / total</div><div id="jobs">-</div></div>
    <div class="card"><div class="muted">balance</div><div id="balance">-</div></div>
  </div>
  <table>
    <thead><tr><th>id</th><th>status</th><th>model</th><th>prompt</th></tr></thead>
    <tbody id="feed"></tbody>
  </table>
</main>
<script>
async function refresh() {
  try {
    const health = await (await fetch('/healthz')).json();
    document.getElementById('phase').textContent = health.phase;
    const res = await fetch('/api/snapshot');
    if (!res.ok) { return; }
    const snap = await res.json();
    const stats = snap.stats || {};
    document.getElementById('nodes').textContent = stats.active_nodes ?? '-';
    document.getElementById('models').textContent = (snap.models || []).map(m => m.name).join(', ') || '-';
    document.getElementById('jobs').textContent = stats.total_jobs != null ? stats.completed_jobs + ' / ' + stats.total_jobs : '-';
    document.getElementById('balance').textContent = snap.balance != null ? snap.balance.toFixed(2) : '-';
    const body = document.getElementById('feed');
    body.innerHTML = '';
    for (const job of snap.jobs || []) {
      const row = document.createElement('tr');
      for (const value of [job.id, job.status, job.model, (job.prompt || '').slice(0, 60)]) {
        const cell = document.createElement('td');
        cell.textContent = value;
        row.appendChild(cell);
      }
      row.children[1].className = job.status;
      body.appendChild(row);
    }
  } catch (err) {
    document.getElementById('phase').textContent = 'unreachable';
  }
}
refresh();
setInterval(refresh, 2000);
</script>
</body>
</html>
`
