package rules_test

import (
	"testing"

	qt "github.com/frankban/quicktest"
	uuid "github.com/satori/go.uuid"

	"github.com/sgml/mockttp/rules"
)

func TestRegistryFirstMatchWinsAndOnceFallsThrough(t *testing.T) {
	c := qt.New(t)

	reg := rules.NewRegistry()
	first := reg.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/foo", false)},
		Handler:  rules.NewStatic(200, nil, []byte("A")),
		Checker:  rules.Once(),
	})
	reg.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/foo", false)},
		Handler:  rules.NewStatic(200, nil, []byte("B")),
	})

	snapshot := reg.Snapshot()
	c.Assert(len(snapshot), qt.Equals, 2)

	req := &rules.Request{ID: uuid.NewV4(), Path: "/foo"}
	matched := selectRule(snapshot, req)
	c.Assert(matched, qt.Not(qt.IsNil))
	matched.RecordSeen(req.ID)

	c.Assert(first.SeenRequests(), qt.HasLen, 1)

	req2 := &rules.Request{ID: uuid.NewV4(), Path: "/foo"}
	matched2 := selectRule(snapshot, req2)
	c.Assert(matched2.Handler.(*rules.StaticHandler).Body, qt.DeepEquals, []byte("B"))
}

func TestRegistryResetClearsSeenLookup(t *testing.T) {
	c := qt.New(t)

	reg := rules.NewRegistry()
	endpoint := reg.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.AnyRequest()},
		Handler:  rules.NewStatic(200, nil, nil),
	})

	reg.Reset()

	c.Assert(endpoint.SeenRequests(), qt.HasLen, 0)
	c.Assert(reg.Snapshot(), qt.HasLen, 0)
}

// selectRule mirrors the pipeline's rule-selection step for test purposes.
func selectRule(snapshot []*rules.Rule, req *rules.Request) *rules.Rule {
	for _, r := range snapshot {
		if !r.Matches(req) {
			continue
		}
		if !r.AcceptsCompletion() {
			continue
		}
		return r
	}
	return nil
}
