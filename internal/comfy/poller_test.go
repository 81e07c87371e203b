package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/4darsh-Dev/comfyui-serverless/internal/comfy/comfytest"
	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
)

func fastPoller(url string) *Poller {
	return NewPoller(NewClient(Options{BaseURL: url}), PollerOptions{Interval: 10 * time.Millisecond})
}

func TestPollCompletes(t *testing.T) {
	backend := (&comfytest.Backend{PendingChecks: 2, RunningChecks: 2}).Start(t)
	res := fastPoller(backend.URL()).Poll(context.Background(), JobHandle{PromptID: "p1"}, time.Second)
	if res.Status != domain.JobStatusCompleted || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Filename != comfytest.OutputFilename || res.Artifacts[0].Kind != "output" {
		t.Fatalf("artifacts = %+v", res.Artifacts)
	}
	if res.Checks != 5 {
		t.Fatalf("checks = %d, want 5", res.Checks)
	}
}

func TestPollBackendError(t *testing.T) {
	backend := (&comfytest.Backend{ErrorMessages: []any{
		[]any{"execution_error", map[string]any{"node_type": "KSampler", "exception_message": "CUDA out of memory"}},
	}}).Start(t)
	res := fastPoller(backend.URL()).Poll(context.Background(), JobHandle{PromptID: "p1"}, time.Second)
	if res.Status != domain.JobStatusErrored {
		t.Fatalf("status = %s", res.Status)
	}
	if !errors.Is(res.Err, domain.ErrBackendReported) {
		t.Fatalf("err = %v", res.Err)
	}
	if len(res.Messages) != 1 || res.Messages[0] != "execution_error: KSampler: CUDA out of memory" {
		t.Fatalf("messages = %v", res.Messages)
	}
}

func TestPollBackendErrorWithoutMessages(t *testing.T) {
	backend := (&comfytest.Backend{ErrorMessages: []any{}}).Start(t)
	res := fastPoller(backend.URL()).Poll(context.Background(), JobHandle{PromptID: "p1"}, time.Second)
	if len(res.Messages) != 1 || res.Messages[0] != unknownBackendError {
		t.Fatalf("messages = %v", res.Messages)
	}
}

func TestPollTimesOut(t *testing.T) {
	backend := (&comfytest.Backend{NeverFinish: true}).Start(t)
	start := time.Now()
	res := fastPoller(backend.URL()).Poll(context.Background(), JobHandle{PromptID: "p1"}, 100*time.Millisecond)
	if res.Status != domain.JobStatusTimedOut {
		t.Fatalf("status = %s", res.Status)
	}
	if !errors.Is(res.Err, domain.ErrPollTimeout) || !res.IsTimeout() {
		t.Fatalf("err = %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("poll overran its timeout: %s", elapsed)
	}
	if cancelled, _ := backend.Cancelled(); len(cancelled) != 0 {
		t.Fatalf("poll must not cancel jobs")
	}
}

func TestPollStopsOnContextCancel(t *testing.T) {
	backend := (&comfytest.Backend{NeverFinish: true}).Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := fastPoller(backend.URL()).Poll(ctx, JobHandle{PromptID: "p1"}, time.Minute)
	if res.Status != domain.JobStatusTimedOut || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("result = %+v", res)
	}
}

type flakySource struct {
	calls int
}

func (f *flakySource) History(ctx context.Context, handle JobHandle) (HistoryEntry, bool, error) {
	f.calls++
	if f.calls < 3 {
		return HistoryEntry{}, false, errors.New("connection refused")
	}
	return HistoryEntry{Outputs: map[string]NodeOutput{
		"12": {Images: []domain.ArtifactDescriptor{{Filename: "b.png"}}},
		"9":  {Images: []domain.ArtifactDescriptor{{Filename: "a.png", Kind: "temp"}}},
	}}, true, nil
}

func TestPollTreatsHTTPFailuresAsTransient(t *testing.T) {
	src := &flakySource{}
	res := NewPoller(src, PollerOptions{Interval: time.Millisecond}).Poll(context.Background(), JobHandle{PromptID: "p"}, time.Second)
	if res.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Artifacts) != 2 || res.Artifacts[0].Filename != "a.png" || res.Artifacts[1].Filename != "b.png" {
		t.Fatalf("artifacts not ordered by node id: %+v", res.Artifacts)
	}
	if res.Artifacts[0].Kind != "temp" || res.Artifacts[1].Kind != "output" {
		t.Fatalf("kinds = %+v", res.Artifacts)
	}
}

func TestBackendMessages(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`"plain text"`),
		json.RawMessage(`["execution_start", {"prompt_id": "x"}]`),
		json.RawMessage(`["execution_error", {"exception_message": "boom"}]`),
	}
	got := backendMessages(raw)
	want := []string{"plain text", `["execution_start",{"prompt_id":"x"}]`, "execution_error: boom"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClassifyCompletedWithoutOutputsKeepsRunning(t *testing.T) {
	status, _ := classify(HistoryEntry{Status: HistoryStatus{StatusStr: "success", Completed: true}})
	if status != domain.JobStatusRunning {
		t.Fatalf("status = %s", status)
	}
}
