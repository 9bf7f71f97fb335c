package rules

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

// Registry is the ordered, mutable list of active rules. Addition and
// Reset are linearizable with respect to Snapshot; individual rules guard
// their own seen list and completed flag independently.
type Registry struct {
	mu    sync.Mutex
	rules []*Rule
	byID  map[uuid.UUID]*Rule
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uuid.UUID]*Rule)}
}

// Add appends a new rule at the tail of the active list and returns its
// handle.
func (reg *Registry) Add(data RuleData) *MockedEndpoint {
	rule := NewRule(data)

	reg.mu.Lock()
	reg.rules = append(reg.rules, rule)
	reg.byID[rule.ID] = rule
	reg.mu.Unlock()

	return &MockedEndpoint{ID: rule.ID, registry: reg}
}

// Snapshot returns an atomic, point-in-time view of the active rule list.
func (reg *Registry) Snapshot() []*Rule {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Rule, len(reg.rules))
	copy(out, reg.rules)
	return out
}

// Reset clears the active list. In-flight requests that already captured
// a Snapshot continue to completion against it; the registry does not
// retain those rules for lookup by id after Reset.
func (reg *Registry) Reset() {
	reg.mu.Lock()
	reg.rules = nil
	reg.byID = make(map[uuid.UUID]*Rule)
	reg.mu.Unlock()
}

// SeenFor returns the recorded seen requests for the rule with the given
// endpoint id, or an empty sequence if the rule was removed.
func (reg *Registry) SeenFor(id uuid.UUID) []uuid.UUID {
	reg.mu.Lock()
	rule, ok := reg.byID[id]
	reg.mu.Unlock()
	if !ok {
		return nil
	}
	return rule.Seen()
}

// Endpoints returns a handle for every rule currently active, in
// registration order.
func (reg *Registry) Endpoints() []*MockedEndpoint {
	reg.mu.Lock()
	ids := make([]uuid.UUID, len(reg.rules))
	for i, r := range reg.rules {
		ids[i] = r.ID
	}
	reg.mu.Unlock()

	out := make([]*MockedEndpoint, len(ids))
	for i, id := range ids {
		out[i] = &MockedEndpoint{ID: id, registry: reg}
	}
	return out
}

// Endpoint resolves a single handle by rule id, reporting false if no
// active rule carries that id.
func (reg *Registry) Endpoint(id uuid.UUID) (*MockedEndpoint, bool) {
	reg.mu.Lock()
	_, ok := reg.byID[id]
	reg.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &MockedEndpoint{ID: id, registry: reg}, true
}

// MockedEndpoint is a stable handle referencing a rule and its recorded
// seen requests, resolving through the registry by id rather than holding
// a direct reference — this keeps Reset safe even with outstanding handles.
type MockedEndpoint struct {
	ID       uuid.UUID
	registry *Registry
}

// SeenRequests returns the current seen list for this endpoint's rule.
func (e *MockedEndpoint) SeenRequests() []uuid.UUID {
	return e.registry.SeenFor(e.ID)
}
