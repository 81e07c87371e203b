// Package workflow turns render requests into backend computation graphs.
//
// A graph is an id-keyed set of nodes; each node names its kind through the
// class_type discriminator and carries a free-form input mapping. Templates
// exported by the backend's editor come in several raw shapes; they are
// normalized once at load time into the canonical id-keyed Graph.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Node kinds patched by the engine. Every other kind passes through untouched.
const (
	KindTextEncode = "CLIPTextEncode"
	KindSampler    = "KSampler"
	KindLatent     = "EmptyLatentImage"
	KindLora       = "LoraLoader"
)

// Graph maps node ids to nodes.
type Graph map[string]*Node

// Node is a single executable vertex of a computation graph.
type Node struct {
	Kind   string
	Inputs map[string]any
	Meta   map[string]any

	// extra keeps fields the engine does not interpret so they survive a
	// decode/encode round-trip.
	extra map[string]json.RawMessage
}

// Title returns the node's display title, if any.
func (n *Node) Title() string {
	if n == nil || n.Meta == nil {
		return ""
	}
	title, _ := n.Meta["title"].(string)
	return title
}

// RoleTag returns the explicit role tag stored in the node metadata.
func (n *Node) RoleTag() string {
	if n == nil || n.Meta == nil {
		return ""
	}
	role, _ := n.Meta["role"].(string)
	return role
}

func (n *Node) setInput(key string, value any) {
	if n.Inputs == nil {
		n.Inputs = make(map[string]any)
	}
	n.Inputs[key] = value
}

func (n *Node) hasInput(key string) bool {
	_, ok := n.Inputs[key]
	return ok
}

// MarshalJSON encodes the node in the backend's API format.
func (n *Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.extra)+3)
	for k, v := range n.extra {
		out[k] = v
	}
	out["class_type"] = n.Kind
	inputs := n.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	out["inputs"] = inputs
	if len(n.Meta) > 0 {
		out["_meta"] = n.Meta
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a node leniently: editor-layout nodes whose inputs are
// not an object keep those fields verbatim and simply end up without a kind.
func (n *Node) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("workflow: decode node: %w", err)
	}
	*n = Node{}
	for key, raw := range fields {
		switch key {
		case "class_type":
			if err := json.Unmarshal(raw, &n.Kind); err == nil {
				continue
			}
		case "inputs":
			if inputs, ok := decodeObject(raw); ok {
				n.Inputs = inputs
				continue
			}
		case "_meta":
			if meta, ok := decodeObject(raw); ok {
				n.Meta = meta
				continue
			}
		}
		if n.extra == nil {
			n.extra = make(map[string]json.RawMessage)
		}
		n.extra[key] = raw
	}
	return nil
}

// decodeObject decodes raw as a JSON object keeping numbers exact.
func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	if !isObject(raw) {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return out, true
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Kind: n.Kind}
	if n.Inputs != nil {
		out.Inputs = deepCopy(n.Inputs).(map[string]any)
	}
	if n.Meta != nil {
		out.Meta = deepCopy(n.Meta).(map[string]any)
	}
	if n.extra != nil {
		out.extra = make(map[string]json.RawMessage, len(n.extra))
		for k, v := range n.extra {
			out.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		out[id] = node.Clone()
	}
	return out
}

// IDs returns node ids in a stable order: numeric ids ascending, then the rest
// lexically.
func (g Graph) IDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessNodeID(ids[i], ids[j]) })
	return ids
}

// NodesOfKind returns the ids of nodes with the given kind, in IDs order.
func (g Graph) NodesOfKind(kind string) []string {
	var out []string
	for _, id := range g.IDs() {
		if g[id] != nil && g[id].Kind == kind {
			out = append(out, id)
		}
	}
	return out
}

func lessNodeID(a, b string) bool {
	na, aok := numericID(a)
	nb, bok := numericID(b)
	switch {
	case aok && bok:
		if na != nb {
			return na < nb
		}
		return a < b
	case aok:
		return true
	case bok:
		return false
	default:
		return a < b
	}
}

func numericID(id string) (int, bool) {
	if id == "" || len(id) > 9 {
		return 0, false
	}
	n := 0
	for _, r := range id {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
