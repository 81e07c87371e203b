package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// Role tags a text-encode node as carrying the positive or negative prompt.
type Role string

const (
	RoleNone     Role = ""
	RolePositive Role = "positive"
	RoleNegative Role = "negative"
)

// Legacy templates carry no role information; the conventional node ids of the
// stock text-to-image graph are used instead.
const (
	legacyPositiveID = "6"
	legacyNegativeID = "7"
)

// SourceBuiltin identifies templates produced by DefaultGraph.
const SourceBuiltin = "builtin"

var (
	errEmptyTemplate = errors.New("workflow: template has no nodes")
	errLayoutNodes   = errors.New("workflow: template nodes lack class_type")
)

// Template is a normalized graph plus the prompt roles resolved at load time.
type Template struct {
	Graph  Graph
	Roles  map[string]Role
	Source string
}

// NewTemplate resolves prompt roles for an already canonical graph.
func NewTemplate(g Graph, source string) *Template {
	return &Template{Graph: g, Roles: resolveRoles(g), Source: source}
}

// BuiltinTemplate wraps DefaultGraph.
func BuiltinTemplate() *Template {
	return NewTemplate(DefaultGraph(), SourceBuiltin)
}

// rawShape discriminates the raw encodings a stored template may use.
type rawShape int

const (
	shapeKeyed    rawShape = iota // {"<id>": {node}, ...}
	shapeNodeList                 // {"nodes": [{"id": ..., ...}], ...}
	shapeBareList                 // [{"id": ..., ...}]
)

func (s rawShape) String() string {
	switch s {
	case shapeNodeList:
		return "node-list"
	case shapeBareList:
		return "list"
	default:
		return "keyed"
	}
}

type rawTemplate struct {
	shape rawShape
	keyed map[string]json.RawMessage
	list  []json.RawMessage
}

// LoadTemplate reads a template file (JSON, or YAML by extension) and
// normalizes it. Errors mean the caller should use the builtin graph.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("workflow: decode yaml template: %w", err)
		}
	}
	return ParseTemplate(data, path)
}

// ParseTemplate normalizes raw JSON template bytes.
func ParseTemplate(data []byte, source string) (*Template, error) {
	raw, err := parseRaw(data)
	if err != nil {
		return nil, err
	}
	g, err := raw.normalize()
	if err != nil {
		return nil, err
	}
	if err := validate(g); err != nil {
		return nil, err
	}
	return NewTemplate(g, source), nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(stringKeys(v))
}

// stringKeys rewrites YAML mappings with non-string keys, such as unquoted
// node ids, into string-keyed maps that encoding/json accepts.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = stringKeys(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = stringKeys(val)
		}
		return t
	default:
		return v
	}
}

func parseRaw(data []byte) (rawTemplate, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return rawTemplate{}, errEmptyTemplate
	}
	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return rawTemplate{}, fmt.Errorf("workflow: decode template list: %w", err)
		}
		return rawTemplate{shape: shapeBareList, list: list}, nil
	case '{':
		var keyed map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &keyed); err != nil {
			return rawTemplate{}, fmt.Errorf("workflow: decode template: %w", err)
		}
		if nodes, ok := keyed["nodes"]; ok {
			var list []json.RawMessage
			if err := json.Unmarshal(nodes, &list); err == nil {
				return rawTemplate{shape: shapeNodeList, list: list}, nil
			}
		}
		return rawTemplate{shape: shapeKeyed, keyed: keyed}, nil
	default:
		return rawTemplate{}, fmt.Errorf("workflow: unsupported template encoding")
	}
}

func (r rawTemplate) normalize() (Graph, error) {
	g := make(Graph)
	switch r.shape {
	case shapeKeyed:
		for id, raw := range r.keyed {
			// Non-object entries are template metadata, not nodes.
			if !isObject(raw) {
				continue
			}
			var n Node
			if err := json.Unmarshal(raw, &n); err != nil {
				return nil, err
			}
			g[id] = &n
		}
	case shapeNodeList, shapeBareList:
		for _, raw := range r.list {
			if !isObject(raw) {
				continue
			}
			id := listNodeID(raw)
			if id == "" {
				continue
			}
			var n Node
			if err := json.Unmarshal(raw, &n); err != nil {
				return nil, err
			}
			delete(n.extra, "id")
			g[id] = &n
		}
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("%w (%s)", errEmptyTemplate, r.shape)
	}
	return g, nil
}

// listNodeID extracts the explicit id of a list-form node; ids may be strings
// or numbers.
func listNodeID(raw json.RawMessage) string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var num json.Number
	if err := json.Unmarshal(probe.ID, &num); err == nil {
		return num.String()
	}
	return ""
}

func validate(g Graph) error {
	missing := 0
	for _, n := range g {
		if n == nil || strings.TrimSpace(n.Kind) == "" {
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%w: %d of %d nodes", errLayoutNodes, missing, len(g))
	}
	return nil
}

// foldCase builds a fresh Caser per call; Casers are stateful.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

// resolveRoles assigns prompt roles to text-encode nodes: an explicit role tag
// wins, then a title substring, then the legacy node ids.
func resolveRoles(g Graph) map[string]Role {
	roles := make(map[string]Role)
	for _, id := range g.NodesOfKind(KindTextEncode) {
		n := g[id]
		if role := Role(foldCase(strings.TrimSpace(n.RoleTag()))); role == RolePositive || role == RoleNegative {
			roles[id] = role
			continue
		}
		title := foldCase(n.Title())
		switch {
		case strings.Contains(title, string(RolePositive)):
			roles[id] = RolePositive
		case strings.Contains(title, string(RoleNegative)):
			roles[id] = RoleNegative
		case id == legacyPositiveID:
			roles[id] = RolePositive
		case id == legacyNegativeID:
			roles[id] = RoleNegative
		}
	}
	return roles
}
