package workflow

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
)

// Options configures an Engine.
type Options struct {
	// TemplatePath points at a stored template. Empty means builtin only.
	TemplatePath string
	Logger       *infra.Logger
	// Now is the clock used to resolve random seeds.
	Now func() time.Time
}

// Engine builds patched computation graphs from render requests.
type Engine struct {
	templatePath string
	logger       *infra.Logger
	now          func() time.Time

	mu     sync.Mutex
	cached *Template
	stamp  templateStamp
}

// templateStamp identifies one version of the stored template file.
type templateStamp struct {
	modTime time.Time
	size    int64
}

// BuildInfo reports what Build did alongside the graph.
type BuildInfo struct {
	Graph   Graph
	Seed    int64
	Patched int
	Source  string
}

func NewEngine(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		templatePath: opts.TemplatePath,
		logger:       infra.LoggerOrDiscard(opts.Logger),
		now:          now,
	}
}

// Template returns the stored template normalized into canonical form, or the
// builtin template when none is stored or the stored one is unusable. The
// parsed template, roles included, is reused until the file changes.
func (e *Engine) Template() *Template {
	if e.templatePath == "" {
		return BuiltinTemplate()
	}
	info, err := os.Stat(e.templatePath)
	if err != nil {
		e.logUnusable(err)
		return BuiltinTemplate()
	}
	stamp := templateStamp{modTime: info.ModTime(), size: info.Size()}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached != nil && e.stamp == stamp {
		return e.cached
	}
	tpl, err := LoadTemplate(e.templatePath)
	if err != nil {
		e.logUnusable(err)
		tpl = BuiltinTemplate()
	} else {
		e.logger.Info().Str("path", e.templatePath).Int("roles", len(tpl.Roles)).Msg("workflow: stored template loaded")
	}
	e.cached, e.stamp = tpl, stamp
	return tpl
}

func (e *Engine) logUnusable(err error) {
	if errors.Is(err, fs.ErrNotExist) {
		e.logger.Debug().Str("path", e.templatePath).Msg("workflow: no stored template, using builtin graph")
		return
	}
	e.logger.Warn().Err(err).Str("path", e.templatePath).Msg("workflow: stored template unusable, using builtin graph")
}

// Build returns the template graph patched with the request parameters. It
// never fails: unusable templates are replaced by the builtin graph.
func (e *Engine) Build(req domain.RenderRequest) Graph {
	return e.BuildWithInfo(req).Graph
}

// BuildWithInfo is Build plus the resolved seed and patch count.
func (e *Engine) BuildWithInfo(req domain.RenderRequest) BuildInfo {
	tpl := e.Template()
	g := tpl.Graph.Clone()
	seed := e.ResolveSeed(req.Seed)
	patched := 0
	for _, id := range g.IDs() {
		n := g[id]
		if n == nil {
			continue
		}
		if patchNode(n, tpl.Roles[id], req, seed) {
			patched++
			e.logger.Debug().Str("node_id", id).Str("kind", n.Kind).Msg("workflow: patched node")
		}
	}
	e.logger.Info().
		Str("source", tpl.Source).
		Int("nodes", len(g)).
		Int("patched", patched).
		Int64("seed", seed).
		Msg("workflow: graph built")
	return BuildInfo{Graph: g, Seed: seed, Patched: patched, Source: tpl.Source}
}

// ResolveSeed substitutes the current wall-clock time in milliseconds for the
// random-seed sentinel.
func (e *Engine) ResolveSeed(seed int64) int64 {
	if seed != domain.RandomSeed {
		return seed
	}
	return e.now().UnixMilli()
}

func patchNode(n *Node, role Role, req domain.RenderRequest, seed int64) bool {
	switch n.Kind {
	case KindTextEncode:
		switch role {
		case RolePositive:
			n.setInput("text", req.PositivePrompt)
		case RoleNegative:
			n.setInput("text", req.NegativePrompt)
		default:
			return false
		}
	case KindSampler:
		n.setInput("steps", req.Steps)
		n.setInput("cfg", req.CFGScale)
		n.setInput("seed", seed)
		if n.hasInput("sampler_name") {
			n.setInput("sampler_name", DefaultSamplerName)
		}
		if n.hasInput("scheduler") {
			n.setInput("scheduler", DefaultScheduler)
		}
	case KindLatent:
		n.setInput("width", req.Width)
		n.setInput("height", req.Height)
	case KindLora:
		n.setInput("strength_model", req.Strength)
		n.setInput("strength_clip", req.Strength)
	default:
		return false
	}
	return true
}
