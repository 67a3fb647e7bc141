package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcrosbie/gridlink/internal/config"
)

type gridAPI struct {
	*httptest.Server
	statusCalls atomic.Int32
}

func newGridAPI(t *testing.T) *gridAPI {
	t.Helper()
	g := &gridAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/core/token/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "ada" || body["password"] != "lovelace" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"No active account found with the given credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access":"good","refresh":"r"}`))
	})
	mux.HandleFunc("/api/core/profile/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Given token not valid"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":1,"username":"ada","email":"ada@example.com","role":"user","wallet_balance":"12.50"}`))
	})
	mux.HandleFunc("/api/computing/models/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3","providers":2}],"total_nodes":2}`))
	})
	mux.HandleFunc("/api/computing/stats/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active_nodes":2,"available_models":1,"completed_jobs":30,"total_jobs":31}`))
	})
	mux.HandleFunc("/api/computing/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/computing/jobs/77/" {
			if g.statusCalls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"id":77,"status":"RUNNING","model":"llama3","prompt":"say hi"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":77,"status":"COMPLETED","model":"llama3","prompt":"say hi","result":{"output":"hi there"}}`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":5,"status":"completed","model":"llama3","prompt":"first","created_at":"2026-01-01T00:00:00Z"}]`))
	})
	mux.HandleFunc("/api/computing/submit-job/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`{"status":"submitted","job_id":77}`))
	})
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

func setupConfig(t *testing.T, apiURL string) string {
	t.Helper()
	dir := t.TempDir()
	raw := fmt.Sprintf(`
api_url: %s
ws_url: ws://127.0.0.1:1/ws/dashboard/
token_env_var: GRIDLINK_CLI_TEST_TOKEN
session_file: %s
ui_state_file: %s
poll_interval: 10ms
poll_attempts: 20
log:
  level: error
archive:
  driver: file
  file: %s
`, apiURL, filepath.Join(dir, "session.json"), filepath.Join(dir, "ui_state.json"), filepath.Join(dir, "outcomes.json"))
	path := filepath.Join(dir, "gridlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	t.Setenv(config.ConfigPathEnvVar, path)
	return dir
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, "gridlink", &out, strings.NewReader(stdin))
	return out.String(), err
}

func TestLoginWhoamiLogout(t *testing.T) {
	api := newGridAPI(t)
	dir := setupConfig(t, api.URL)

	out, err := runCLI(t, "", "login", "--token", "good")
	require.NoError(t, err)
	assert.Contains(t, out, "logged in as ada (balance 12.50)")
	_, err = os.Stat(filepath.Join(dir, "session.json"))
	require.NoError(t, err)

	out, err = runCLI(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "ada@example.com")
	assert.Contains(t, out, "****")

	out, err = runCLI(t, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "logged out")

	out, err = runCLI(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "not logged in")
}

func TestLoginWithPasswordPrompt(t *testing.T) {
	api := newGridAPI(t)
	setupConfig(t, api.URL)

	out, err := runCLI(t, "lovelace\n", "login", "--username", "ada")
	require.NoError(t, err)
	assert.Contains(t, out, "Password: ")
	assert.Contains(t, out, "logged in as ada")

	_, err = runCLI(t, "wrong\n", "login", "--username", "ada")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No active account found")
}

func TestLoginRejectsBadToken(t *testing.T) {
	api := newGridAPI(t)
	setupConfig(t, api.URL)

	_, err := runCLI(t, "", "login", "--token", "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Given token not valid")
}

func TestListingCommands(t *testing.T) {
	api := newGridAPI(t)
	setupConfig(t, api.URL)
	t.Setenv("GRIDLINK_CLI_TEST_TOKEN", "good")

	out, err := runCLI(t, "", "models")
	require.NoError(t, err)
	assert.Contains(t, out, "llama3")

	out, err = runCLI(t, "", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "31")

	out, err = runCLI(t, "", "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "first")

	out, err = runCLI(t, "", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "no tracked outcomes")
}

func TestSubmitPollsAndArchives(t *testing.T) {
	api := newGridAPI(t)
	setupConfig(t, api.URL)
	t.Setenv("GRIDLINK_CLI_TEST_TOKEN", "good")

	out, err := runCLI(t, "", "submit", "--poll", "--model", "llama3", "say", "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "Job #77 completed")
	assert.Contains(t, out, "hi there")

	out, err = runCLI(t, "", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "77")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "poll")
}

func TestSubmitUnknownModelIsRejected(t *testing.T) {
	api := newGridAPI(t)
	setupConfig(t, api.URL)
	t.Setenv("GRIDLINK_CLI_TEST_TOKEN", "good")

	out, err := runCLI(t, "", "submit", "--poll", "--model", "gpt-9", "hello")
	require.Error(t, err)
	assert.Contains(t, out, `Model "gpt-9" is not available.`)
}

func TestUnknownCommandPrintsUsage(t *testing.T) {
	setupConfig(t, "http://127.0.0.1:1")

	out, err := runCLI(t, "", "frobnicate")
	require.Error(t, err)
	assert.Contains(t, out, "Usage:")

	out, err = runCLI(t, "")
	require.NoError(t, err)
	assert.Contains(t, out, "gridlink submit")
}

func TestPeekRejectsUnknownTarget(t *testing.T) {
	setupConfig(t, "http://127.0.0.1:1")
	_, err := runCLI(t, "", "peek", "--addr", "127.0.0.1:1", "everything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown peek target")
}
