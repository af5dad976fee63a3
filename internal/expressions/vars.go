package expressions

import (
	"encoding/json"

	"github.com/rendis/loom/pkg/schema"
)

// VarStore is the append-only mapping from declared names to resolved values
// for one run. It enforces:
//   - Values are frozen on insert (deep-copied) and immutable afterwards.
//   - Append-only: a bound name is never rebound anywhere in the scope chain.
//   - Loop variables and branch bindings live in child scopes that shadow the
//     parent without mutating it.
//
// Child scopes serve two jobs. A loop iteration scope holds the loop variable
// and the body's own bindings and is discarded when the iteration ends, so a
// retried iteration starts clean. A branch scope collects a conditional
// branch's bindings and promotes them into the parent only when the whole
// branch succeeds, so an aborted branch leaves no half-bound names behind for
// resume to trip over.
//
// The store is owned by the executor for the lifetime of a run and is not
// safe for concurrent use; execution is single-threaded by design.
type VarStore struct {
	values map[string]any
	order  []string
	base   *VarStore // nil at the root scope
}

// NewVarStore creates a root store seeded with the run's initial variables
// (declared defaults merged with caller-provided values). Seed values are
// deep-copied.
func NewVarStore(initial map[string]any) *VarStore {
	vs := &VarStore{values: make(map[string]any, len(initial))}
	names := make([]string, 0, len(initial))
	for k := range initial {
		names = append(names, k)
	}
	sortStrings(names)
	for _, k := range names {
		vs.values[k] = deepCopy(initial[k])
		vs.order = append(vs.order, k)
	}
	return vs
}

// FromSnapshot reconstructs a store from a checkpoint's variable snapshot.
func FromSnapshot(snapshot map[string]any) *VarStore {
	return NewVarStore(snapshot)
}

// Set binds a name to a value in this scope, freezing the value on insert.
// Rebinding a name already visible anywhere in the scope chain is rejected:
// the store grows monotonically during a run.
func (vs *VarStore) Set(name string, value any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeDefinition, "cannot bind empty variable name")
	}
	if vs.Has(name) {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"variable %q already bound; the variable store is append-only", name)
	}
	vs.values[name] = deepCopy(value)
	vs.order = append(vs.order, name)
	return nil
}

// Get returns the value bound to a name, innermost scope first.
func (vs *VarStore) Get(name string) (any, bool) {
	for s := vs; s != nil; s = s.base {
		if v, ok := s.values[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether a name is bound anywhere in the scope chain.
func (vs *VarStore) Has(name string) bool {
	_, ok := vs.Get(name)
	return ok
}

// WithIteration returns a child scope for one loop iteration with the loop
// variable pre-bound. The loop variable may shadow an outer name; everything
// the body binds stays in this scope and is discarded with it.
func (vs *VarStore) WithIteration(loopVar string, item any) *VarStore {
	return &VarStore{
		values: map[string]any{loopVar: deepCopy(item)},
		order:  []string{loopVar},
		base:   vs,
	}
}

// Child returns an empty child scope. Conditional branches execute in one and
// call Promote when the branch completes.
func (vs *VarStore) Child() *VarStore {
	return &VarStore{values: make(map[string]any), base: vs}
}

// Promote moves this scope's bindings into the parent in insertion order.
// Called when a conditional branch completes; a discarded scope (failed or
// retried branch) is simply dropped instead.
func (vs *VarStore) Promote() error {
	if vs.base == nil {
		return schema.NewError(schema.ErrCodeDefinition, "cannot promote the root variable scope")
	}
	for _, name := range vs.order {
		if err := vs.base.Set(name, vs.values[name]); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the sorted names visible from this scope, shadowed names
// listed once.
func (vs *VarStore) Names() []string {
	seen := make(map[string]bool)
	names := make([]string, 0)
	for s := vs; s != nil; s = s.base {
		for k := range s.values {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sortStrings(names)
	return names
}

// Snapshot returns a deep copy of the root scope for checkpointing. Child
// scopes are deliberately excluded: checkpoints are written at top-level step
// boundaries, where loop-local and branch-local bindings are either promoted
// or reconstructed by re-running the interrupted step on resume.
func (vs *VarStore) Snapshot() map[string]any {
	root := vs.root()
	snapshot := make(map[string]any, len(root.values))
	for k, v := range root.values {
		snapshot[k] = deepCopy(v)
	}
	return snapshot
}

func (vs *VarStore) root() *VarStore {
	s := vs
	for s.base != nil {
		s = s.base
	}
	return s
}

// deepCopy recursively copies maps and slices; primitives are value types.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = deepCopy(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopy(item)
		}
		return cp
	case []string:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = item
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// sortStrings sorts a small string slice in place (insertion sort).
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
