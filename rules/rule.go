package rules

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

// RuleData is the builder-to-core boundary: what the fluent builder (or a
// remote-control mutation) must supply to register a rule.
type RuleData struct {
	Matchers []Matcher
	Handler  Handler
	Checker  Checker // nil means Always()
}

// Rule pairs an ordered, AND-combined matcher set with one handler and an
// optional completion checker, plus the mutable state the pipeline
// maintains as requests are matched against it.
type Rule struct {
	ID       uuid.UUID
	Matchers []Matcher
	Handler  Handler
	Checker  Checker

	mu        sync.Mutex
	seen      []uuid.UUID
	completed bool
}

// NewRule creates a Rule from RuleData, defaulting a nil checker to Always.
func NewRule(data RuleData) *Rule {
	checker := data.Checker
	if checker == nil {
		checker = Always()
	}
	return &Rule{
		ID:       uuid.NewV4(),
		Matchers: data.Matchers,
		Handler:  data.Handler,
		Checker:  checker,
	}
}

// Matches reports whether every matcher accepts req.
func (r *Rule) Matches(req *Request) bool {
	for _, m := range r.Matchers {
		if !m.Match(req) {
			return false
		}
	}
	return true
}

// AcceptsCompletion reports whether the rule's completion checker still
// accepts further matches, given its current seen list.
func (r *Rule) AcceptsCompletion() bool {
	r.mu.Lock()
	seen := append([]uuid.UUID(nil), r.seen...)
	completed := r.completed
	r.mu.Unlock()

	if completed {
		return false
	}
	return r.Checker.Accept(seen)
}

// RecordSeen appends id to the seen list, marking the rule completed if
// its checker would now reject a subsequent request.
func (r *Rule) RecordSeen(id uuid.UUID) {
	r.mu.Lock()
	r.seen = append(r.seen, id)
	if !r.Checker.Accept(append([]uuid.UUID(nil), r.seen...)) {
		r.completed = true
	}
	r.mu.Unlock()
}

// Seen returns a copy of the rule's recorded seen request ids.
func (r *Rule) Seen() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.seen...)
}
