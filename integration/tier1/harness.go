//go:build integration

package tier1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/calsyncd/internal/eventfile"
	"github.com/schaermu/calsyncd/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness runs the calsyncd binary against an in-memory calendar API
type Harness struct {
	t          *testing.T
	binary     string
	dir        string
	Root       string
	configPath string
	tokenFile  string
	Calendar   *testutil.FakeCalendar
	tokens     *httptest.Server
}

// NewHarness builds the binary and prepares config, credentials and a token
// pointing at a fresh fake calendar
func NewHarness(t *testing.T, ctx context.Context) *Harness {
	t.Helper()

	dir := t.TempDir()
	h := &Harness{
		t:         t,
		dir:       dir,
		Root:      filepath.Join(dir, "calendar"),
		tokenFile: filepath.Join(dir, "token.json"),
		Calendar:  testutil.NewFakeCalendar(),
	}
	t.Cleanup(h.Calendar.Close)

	h.tokens = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"access_token":"refreshed","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(h.tokens.Close)

	h.buildBinary(ctx)
	h.writeCredentials()
	h.WriteToken()
	h.writeConfig()

	return h
}

func (h *Harness) buildBinary(ctx context.Context) {
	h.t.Helper()

	binary, err := testutil.BuildBinary(ctx, h.dir)
	if err != nil {
		h.t.Fatal(err)
	}
	h.binary = binary
}

func (h *Harness) writeCredentials() {
	h.t.Helper()
	creds := map[string]any{
		"installed": map[string]any{
			"client_id":     "tier1.apps.googleusercontent.com",
			"client_secret": "tier1",
			"auth_uri":      h.tokens.URL + "/auth",
			"token_uri":     h.tokens.URL + "/token",
			"redirect_uris": []string{"http://localhost"},
		},
	}
	h.writeJSON(filepath.Join(h.dir, "credentials.json"), creds)
}

// WriteToken stores a valid, unexpired token
func (h *Harness) WriteToken() {
	h.t.Helper()
	h.writeJSON(h.tokenFile, map[string]any{
		"access_token":  "tier1-token",
		"token_type":    "Bearer",
		"refresh_token": "tier1-refresh",
		"expiry":        time.Now().Add(time.Hour).Format(time.RFC3339),
	})
}

// RemoveToken deletes the stored token
func (h *Harness) RemoveToken() {
	h.t.Helper()
	if err := os.Remove(h.tokenFile); err != nil && !os.IsNotExist(err) {
		h.t.Fatal(err)
	}
}

func (h *Harness) writeConfig() {
	h.t.Helper()
	cfg := fmt.Sprintf(`paths:
  root: %q
auth:
  credentials_file: %q
  token_file: %q
calendar:
  id: "primary"
  endpoint: %q
watch:
  self_write_window: 2s
`, h.Root, filepath.Join(h.dir, "credentials.json"), h.tokenFile, h.Calendar.URL())

	h.configPath = filepath.Join(h.dir, "config.yaml")
	if err := os.WriteFile(h.configPath, []byte(cfg), 0600); err != nil {
		h.t.Fatal(err)
	}
}

func (h *Harness) writeJSON(path string, v any) {
	h.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		h.t.Fatal(err)
	}
}

// Command prepares a calsyncd invocation with the harness config
func (h *Harness) Command(ctx context.Context, args ...string) *exec.Cmd {
	args = append(args, "--config", h.configPath, "--log-level", "debug")
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "HOME="+h.dir)
	return cmd
}

// Run executes calsyncd and returns its combined output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, int) {
	h.t.Helper()
	out, err := h.Command(ctx, args...).CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(out), exitErr.ExitCode()
		}
		h.t.Fatalf("run calsyncd: %v", err)
	}
	return string(out), 0
}

// MustRun executes calsyncd and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	out, code := h.Run(ctx, args...)
	if code != 0 {
		h.t.Fatalf("calsyncd %s exited %d\n%s", strings.Join(args, " "), code, out)
	}
	return out
}

// EventPath returns the path of an event file below the root
func (h *Harness) EventPath(day time.Time, summary string) string {
	return eventfile.PathFor(h.Root, day, summary)
}

// WriteEvent writes an event file
func (h *Harness) WriteEvent(path string, rec eventfile.Record) {
	h.t.Helper()
	if err := eventfile.Write(path, rec); err != nil {
		h.t.Fatal(err)
	}
}

// ReadEvent reads an event file
func (h *Harness) ReadEvent(path string) eventfile.Record {
	h.t.Helper()
	rec, err := eventfile.Read(path)
	if err != nil {
		h.t.Fatalf("read %s: %v", path, err)
	}
	return rec
}

// Eventually polls cond until it holds or the timeout passes
func (h *Harness) Eventually(timeout time.Duration, what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

// lockedBuffer collects the output of a running process
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
