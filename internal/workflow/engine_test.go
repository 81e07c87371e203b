package workflow

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestBuildPatchesBuiltinGraph(t *testing.T) {
	engine := NewEngine(Options{})
	req := domain.NewRenderRequest()
	req.PositivePrompt = "a cat"
	req.NegativePrompt = "a dog"
	req.Steps = 10
	req.CFGScale = 5
	req.Width = 512
	req.Height = 512
	req.Seed = 42
	req.Strength = 0.5

	info := engine.BuildWithInfo(req)
	g := info.Graph
	if info.Source != SourceBuiltin {
		t.Fatalf("source = %q", info.Source)
	}
	if info.Patched != 5 {
		t.Fatalf("patched = %d, want 5", info.Patched)
	}

	checks := []struct {
		node, input string
		want        any
	}{
		{"6", "text", "a cat"},
		{"7", "text", "a dog"},
		{"3", "steps", 10},
		{"3", "cfg", 5.0},
		{"3", "seed", int64(42)},
		{"3", "sampler_name", DefaultSamplerName},
		{"3", "scheduler", DefaultScheduler},
		{"5", "width", 512},
		{"5", "height", 512},
		{"10", "strength_model", 0.5},
		{"10", "strength_clip", 0.5},
	}
	for _, c := range checks {
		if got := g[c.node].Inputs[c.input]; got != c.want {
			t.Errorf("node %s input %s = %#v, want %#v", c.node, c.input, got, c.want)
		}
	}
	if diff := cmp.Diff([]any{"10", 0}, g["3"].Inputs["model"]); diff != "" {
		t.Errorf("link mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDoesNotMutateBuiltin(t *testing.T) {
	engine := NewEngine(Options{})
	req := domain.NewRenderRequest()
	req.Steps = 3
	engine.Build(req)
	if got := DefaultGraph()["3"].Inputs["steps"]; got != 25 {
		t.Fatalf("builtin graph mutated: steps = %v", got)
	}
}

func TestBuildFallsBackOnUnusableTemplate(t *testing.T) {
	path := writeTemplate(t, "avatar_ai.json", `{"nodes":[{"id":1,"type":"KSampler","inputs":[]}]}`)
	engine := NewEngine(Options{TemplatePath: path})
	info := engine.BuildWithInfo(domain.NewRenderRequest())
	if info.Source != SourceBuiltin {
		t.Fatalf("source = %q, want builtin", info.Source)
	}
	if len(info.Graph) != len(DefaultGraph()) {
		t.Fatalf("nodes = %d", len(info.Graph))
	}
}

func TestBuildFallsBackOnMissingTemplate(t *testing.T) {
	engine := NewEngine(Options{TemplatePath: "/nonexistent/avatar_ai.json"})
	if src := engine.Template().Source; src != SourceBuiltin {
		t.Fatalf("source = %q", src)
	}
}

func TestBuildUsesStoredTemplate(t *testing.T) {
	path := writeTemplate(t, "wf.json", `{
		"1": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": 1, "cfg": 1}},
		"2": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}, "_meta": {"title": "Negative"}},
		"3": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}, "_meta": {"title": "Positive"}},
		"4": {"class_type": "EmptyLatentImage"},
		"5": {"class_type": "CLIPTextEncode", "inputs": {"text": "keep"}}
	}`)
	engine := NewEngine(Options{TemplatePath: path})
	req := domain.NewRenderRequest()
	req.PositivePrompt = "pos"
	req.NegativePrompt = "neg"
	req.Width, req.Height = 640, 480
	req.Seed = 7

	info := engine.BuildWithInfo(req)
	g := info.Graph
	if info.Source != path {
		t.Fatalf("source = %q", info.Source)
	}
	if g["3"].Inputs["text"] != "pos" || g["2"].Inputs["text"] != "neg" {
		t.Fatalf("prompts not patched by title: %v / %v", g["3"].Inputs, g["2"].Inputs)
	}
	if g["5"].Inputs["text"] != "keep" {
		t.Fatalf("untagged text node patched: %v", g["5"].Inputs)
	}
	if g["4"].Inputs["width"] != 640 || g["4"].Inputs["height"] != 480 {
		t.Fatalf("latent inputs = %v", g["4"].Inputs)
	}
	if _, ok := g["1"].Inputs["sampler_name"]; ok {
		t.Fatalf("sampler_name added to sampler without that input")
	}
	if _, ok := g["1"].Inputs["scheduler"]; ok {
		t.Fatalf("scheduler added to sampler without that input")
	}
}

func TestTemplateCachedUntilFileChanges(t *testing.T) {
	path := writeTemplate(t, "wf.json", `{"3": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}, "_meta": {"title": "Positive"}}}`)
	engine := NewEngine(Options{TemplatePath: path})

	first := engine.Template()
	if first.Source != path || first.Roles["3"] != RolePositive {
		t.Fatalf("unexpected template %q roles=%v", first.Source, first.Roles)
	}
	if again := engine.Template(); again != first {
		t.Fatalf("unchanged template was parsed again")
	}

	body := `{"8": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}, "_meta": {"title": "Negative"}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("rewrite template: %v", err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	reloaded := engine.Template()
	if reloaded == first {
		t.Fatalf("changed template not reloaded")
	}
	if reloaded.Roles["8"] != RoleNegative {
		t.Fatalf("roles after reload = %v", reloaded.Roles)
	}
}

func TestResolveSeed(t *testing.T) {
	engine := NewEngine(Options{Now: fixedClock(1_700_000_000_123)})
	if got := engine.ResolveSeed(12345); got != 12345 {
		t.Fatalf("explicit seed = %d", got)
	}
	if got := engine.ResolveSeed(0); got != 0 {
		t.Fatalf("zero seed = %d", got)
	}
	if got := engine.ResolveSeed(domain.RandomSeed); got != 1_700_000_000_123 {
		t.Fatalf("random seed = %d", got)
	}
}

func TestRandomSeedFollowsClock(t *testing.T) {
	ms := int64(1000)
	engine := NewEngine(Options{Now: func() time.Time { ms += 2; return time.UnixMilli(ms) }})
	req := domain.NewRenderRequest()
	first := engine.BuildWithInfo(req).Seed
	second := engine.BuildWithInfo(req).Seed
	if first == second {
		t.Fatalf("seeds equal across builds: %d", first)
	}
}

func TestBuildIsDeterministicForFixedSeed(t *testing.T) {
	engine := NewEngine(Options{})
	req := domain.NewRenderRequest()
	req.Seed = 99
	a := engine.Build(req)
	b := engine.Build(req)
	if diff := cmp.Diff(a, b, cmp.AllowUnexported(Node{})); diff != "" {
		t.Fatalf("builds differ (-a +b):\n%s", diff)
	}
}
