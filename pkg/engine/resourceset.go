package engine

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
)

// ResourceSet is an insertion-ordered collection of intents with unique IDs.
// Ordering between intents is expressed by their edges, not by position;
// Graph turns the edges into a validated DAG.
type ResourceSet struct {
	intents []*Intent
	index   map[string]int

	// Parameters carries values that no intent consumes but callers pass
	// through to collaborators (e.g. the HTTP port).
	Parameters map[string]string
}

// NewResourceSet creates an empty resource set.
func NewResourceSet() *ResourceSet {
	return &ResourceSet{
		index:      make(map[string]int),
		Parameters: make(map[string]string),
	}
}

// Add appends intents to the set. Structurally invalid intents and duplicate
// IDs are rejected; on error nothing after the offending intent is added.
func (s *ResourceSet) Add(intents ...*Intent) error {
	for _, intent := range intents {
		if intent == nil {
			return NewPermanentError("nil intent", nil).WithCode(ErrCodeValidation)
		}
		if err := intent.Validate(); err != nil {
			return NewPermanentError("invalid intent", err).
				WithCode(ErrCodeValidation).
				WithIntent(intent.ID())
		}
		id := intent.ID()
		if _, exists := s.index[id]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate intent: %s", id), nil).
				WithCode(ErrCodeDuplicateIntent).
				WithIntent(id)
		}
		s.index[id] = len(s.intents)
		s.intents = append(s.intents, intent)
	}
	return nil
}

// Merge adds every intent and parameter of other to the set.
func (s *ResourceSet) Merge(other *ResourceSet) error {
	if other == nil {
		return nil
	}
	if err := s.Add(other.intents...); err != nil {
		return err
	}
	for k, v := range other.Parameters {
		s.Parameters[k] = v
	}
	return nil
}

// Get returns the intent with the given ID.
func (s *ResourceSet) Get(id string) (*Intent, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.intents[i], true
}

// Has reports whether the set contains the ID.
func (s *ResourceSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Intents returns the intents in insertion order.
func (s *ResourceSet) Intents() []*Intent {
	out := make([]*Intent, len(s.intents))
	copy(out, s.intents)
	return out
}

// Len returns the number of intents.
func (s *ResourceSet) Len() int {
	return len(s.intents)
}

// Filter returns the intents matching fn in insertion order.
func (s *ResourceSet) Filter(fn func(*Intent) bool) []*Intent {
	var out []*Intent
	for _, intent := range s.intents {
		if fn(intent) {
			out = append(out, intent)
		}
	}
	return out
}

// WithTag returns the intents carrying the tag.
func (s *ResourceSet) WithTag(tag string) []*Intent {
	return s.Filter(func(i *Intent) bool { return i.HasTag(tag) })
}

// position returns the insertion index of an ID, used for deterministic ordering.
func (s *ResourceSet) position(id string) int {
	if i, ok := s.index[id]; ok {
		return i
	}
	return len(s.intents)
}

// Graph builds and validates the execution DAG for the set.
func (s *ResourceSet) Graph() (*ExecutionGraph, error) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(s)
	if err != nil {
		return nil, err
	}
	if err := builder.ValidateGraph(graph); err != nil {
		return nil, err
	}
	return graph, nil
}

// DOT renders the set's DAG in Graphviz format.
func (s *ResourceSet) DOT() (string, error) {
	builder := NewDAGBuilder()
	if _, err := builder.BuildGraph(s); err != nil {
		return "", err
	}
	return builder.ToDOT(), nil
}

// normalizedEdge is an edge oriented from the intent that must run first.
type normalizedEdge struct {
	From string
	To   string
	Type DependencyType
}

// normalizedEdges resolves before/notify into require/subscribe edges on the
// dependent side and adds parent-directory autorequires for files and
// directories. Duplicate edges collapse, keeping subscribe over require.
func (s *ResourceSet) normalizedEdges() ([]normalizedEdge, error) {
	type key struct{ from, to string }
	seen := make(map[key]int)
	var edges []normalizedEdge

	add := func(from, to string, t DependencyType) {
		k := key{from, to}
		if idx, ok := seen[k]; ok {
			if t == DependencySubscribe {
				edges[idx].Type = DependencySubscribe
			}
			return
		}
		seen[k] = len(edges)
		edges = append(edges, normalizedEdge{From: from, To: to, Type: t})
	}

	for _, intent := range s.intents {
		id := intent.ID()
		for _, e := range intent.Edges {
			if !s.Has(e.Target) {
				return nil, NewPermanentError(
					fmt.Sprintf("intent %s depends on non-existent intent %s", id, e.Target),
					nil,
				).WithCode(ErrCodeMissingTarget).WithIntent(id)
			}
			if e.Target == id {
				return nil, NewPermanentError(
					fmt.Sprintf("intent %s depends on itself", id), nil,
				).WithCode(ErrCodeCycle).WithIntent(id)
			}
			switch e.Type {
			case DependencyRequire:
				add(e.Target, id, DependencyRequire)
			case DependencySubscribe:
				add(e.Target, id, DependencySubscribe)
			case DependencyBefore:
				add(id, e.Target, DependencyRequire)
			case DependencyNotify:
				add(id, e.Target, DependencySubscribe)
			default:
				return nil, NewPermanentError(
					fmt.Sprintf("intent %s has edge of unknown type %q", id, e.Type), nil,
				).WithCode(ErrCodeValidation).WithIntent(id)
			}
		}
	}

	for _, intent := range s.intents {
		if intent.Kind != KindFile && intent.Kind != KindDirectory {
			continue
		}
		if parent, ok := s.nearestParentDirectory(intent.Title); ok {
			if _, reversed := seen[key{intent.ID(), parent}]; !reversed {
				add(parent, intent.ID(), DependencyRequire)
			}
		}
	}

	sort.SliceStable(edges, func(a, b int) bool {
		return s.position(edges[a].To) < s.position(edges[b].To)
	})
	return edges, nil
}

// nearestParentDirectory finds the closest ancestor path managed as a directory.
func (s *ResourceSet) nearestParentDirectory(p string) (string, bool) {
	dir := path.Clean(p)
	for dir != "/" && dir != "." {
		dir = path.Dir(dir)
		id := Ref(KindDirectory, dir)
		if intent, ok := s.Get(id); ok && intent.Kind == KindDirectory {
			return id, true
		}
	}
	return "", false
}

// MarshalJSON renders the set as parameters plus intents in insertion order.
func (s *ResourceSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Parameters map[string]string `json:"parameters,omitempty"`
		Intents    []*Intent         `json:"intents"`
	}{
		Parameters: s.Parameters,
		Intents:    s.intents,
	})
}
