// Package comfytest provides an in-process fake of the rendering backend's
// HTTP surface for tests.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// OutputFilename is the artifact name the fake reports for completed jobs.
const OutputFilename = "avatar_00001_.png"

// Backend is a scriptable fake backend. Exported fields may be set before the
// first request; use the accessor methods afterwards.
type Backend struct {
	// Unhealthy makes /system_stats answer 500.
	Unhealthy bool
	// SubmitStatus, when non-zero, is returned by /prompt with SubmitBody.
	SubmitStatus int
	SubmitBody   string
	// PendingChecks is the number of history lookups answered with an empty
	// history before the job shows up.
	PendingChecks int
	// RunningChecks is the number of lookups that report a running job after
	// it first appears.
	RunningChecks int
	// NeverFinish keeps the job running forever.
	NeverFinish bool
	// ErrorMessages, when non-nil, completes the job with status_str "error".
	ErrorMessages []any
	// Image is served from /view for OutputFilename.
	Image []byte

	mu         sync.Mutex
	server     *httptest.Server
	graphs     []map[string]json.RawMessage
	checks     int
	cancelled  []string
	interrupts int
}

// Start serves the fake until the test ends.
func (b *Backend) Start(t testing.TB) *Backend {
	t.Helper()
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.server.Close)
	return b
}

// URL is the fake's base URL.
func (b *Backend) URL() string { return b.server.URL }

// Graphs returns every graph submitted so far.
func (b *Backend) Graphs() []map[string]json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]json.RawMessage(nil), b.graphs...)
}

// Checks returns the number of history lookups served.
func (b *Backend) Checks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checks
}

// Cancelled returns prompt ids deleted through /queue and the interrupt count.
func (b *Backend) Cancelled() ([]string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...), b.interrupts
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.URL.Path == "/system_stats" && r.Method == http.MethodGet:
		if b.Unhealthy {
			http.Error(w, "unhealthy", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"system": map[string]any{"os": "posix"}})
	case r.URL.Path == "/prompt" && r.Method == http.MethodPost:
		if b.SubmitStatus != 0 {
			w.WriteHeader(b.SubmitStatus)
			_, _ = io.WriteString(w, b.SubmitBody)
			return
		}
		var body struct {
			Prompt   map[string]json.RawMessage `json:"prompt"`
			ClientID string                     `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ClientID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		b.graphs = append(b.graphs, body.Prompt)
		writeJSON(w, map[string]any{
			"prompt_id":   b.promptID(len(b.graphs)),
			"number":      len(b.graphs),
			"node_errors": map[string]any{},
		})
	case strings.HasPrefix(r.URL.Path, "/history/") && r.Method == http.MethodGet:
		b.checks++
		id := strings.TrimPrefix(r.URL.Path, "/history/")
		writeJSON(w, b.history(id))
	case r.URL.Path == "/view" && r.Method == http.MethodGet:
		if r.URL.Query().Get("filename") != OutputFilename || b.Image == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(b.Image)
	case r.URL.Path == "/queue" && r.Method == http.MethodPost:
		var body struct {
			Delete []string `json:"delete"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.cancelled = append(b.cancelled, body.Delete...)
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/interrupt" && r.Method == http.MethodPost:
		b.interrupts++
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (b *Backend) promptID(n int) string {
	return fmt.Sprintf("%08x-1111-4222-8333-444455556666", 0xabc00000+n)
}

func (b *Backend) history(id string) map[string]any {
	if b.checks <= b.PendingChecks {
		return map[string]any{}
	}
	running := map[string]any{
		id: map[string]any{
			"status":  map[string]any{"status_str": "running", "completed": false, "messages": []any{}},
			"outputs": map[string]any{},
		},
	}
	if b.NeverFinish || b.checks <= b.PendingChecks+b.RunningChecks {
		return running
	}
	if b.ErrorMessages != nil {
		return map[string]any{
			id: map[string]any{
				"status":  map[string]any{"status_str": "error", "completed": false, "messages": b.ErrorMessages},
				"outputs": map[string]any{},
			},
		}
	}
	return map[string]any{
		id: map[string]any{
			"status": map[string]any{"status_str": "success", "completed": true, "messages": []any{}},
			"outputs": map[string]any{
				"9": map[string]any{
					"images": []any{map[string]any{"filename": OutputFilename, "subfolder": "", "type": "output"}},
				},
			},
		},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
