package rules

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/ohler55/ojg/jp"
	"github.com/samber/lo"

	"github.com/sgml/mockttp/internal/helper"
)

// Matcher is a predicate over a request record. A Rule's matchers are
// AND-combined: any rejection skips the rule.
type Matcher interface {
	Match(req *Request) bool
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(req *Request) bool

func (f MatcherFunc) Match(req *Request) bool { return f(req) }

// AnyRequest matches every request.
func AnyRequest() Matcher {
	return MatcherFunc(func(*Request) bool { return true })
}

// Method matches requests with the given HTTP method, case-insensitively.
func Method(m string) Matcher {
	m = strings.ToUpper(m)
	return MatcherFunc(func(req *Request) bool { return strings.ToUpper(req.Method) == m })
}

// Hostname matches requests whose Hostname exactly equals h.
func Hostname(h string) Matcher {
	return MatcherFunc(func(req *Request) bool { return req.Hostname == h })
}

// ProtocolIs matches requests served over the given protocol.
func ProtocolIs(p Protocol) Matcher {
	return MatcherFunc(func(req *Request) bool { return req.Protocol == p })
}

// Path matches requests whose path equals pattern literally, matches a
// glob with "*" wildcards and "{name}" named segments, or (when regex is
// true) matches pattern as a regular expression.
func Path(pattern string, regex bool) Matcher {
	if regex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return MatcherFunc(func(*Request) bool { return false })
		}
		return MatcherFunc(func(req *Request) bool { return re.MatchString(req.Path) })
	}
	return MatcherFunc(func(req *Request) bool { return matchPathGlob(pattern, req.Path) })
}

func matchPathGlob(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if strings.Contains(pattern, "{") && strings.Contains(pattern, "}") {
		return matchNamedSegments(pattern, path)
	}
	return helper.MatchGlob(pattern, path)
}

func matchNamedSegments(pattern, path string) bool {
	pParts := strings.Split(strings.Trim(pattern, "/"), "/")
	rParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(pParts) != len(rParts) {
		return false
	}
	for i, part := range pParts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			continue
		}
		if part != rParts[i] {
			return false
		}
	}
	return true
}

// Query matches requests carrying every name/value pair in params among
// their query parameters.
func Query(params map[string]string) Matcher {
	return MatcherFunc(func(req *Request) bool {
		values := req.Query()
		return lo.EveryBy(lo.Entries(params), func(e lo.Entry[string, string]) bool {
			return values.Get(e.Key) == e.Value
		})
	})
}

// Header matches requests whose named header equals value exactly
// (header lookup is case-insensitive per net/http.Header semantics).
func Header(name, value string) Matcher {
	return MatcherFunc(func(req *Request) bool { return req.Header.Get(name) == value })
}

// BodyExact matches requests whose buffered body equals expected exactly.
func BodyExact(expected string) Matcher {
	return MatcherFunc(func(req *Request) bool {
		body, err := req.Body.Buffer()
		return err == nil && string(body) == expected
	})
}

// BodyRegex matches requests whose buffered body matches pattern.
func BodyRegex(pattern string) Matcher {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MatcherFunc(func(*Request) bool { return false })
	}
	return MatcherFunc(func(req *Request) bool {
		body, err := req.Body.Buffer()
		return err == nil && re.Match(body)
	})
}

// BodyJSONFragment matches requests whose JSON body satisfies every
// JSONPath → expected-value condition in fragment.
func BodyJSONFragment(fragment map[string]any) Matcher {
	return MatcherFunc(func(req *Request) bool {
		body, err := req.Body.Buffer()
		if err != nil {
			return false
		}
		return matchJSONFragment(fragment, body)
	})
}

func matchJSONFragment(fragment map[string]any, body []byte) bool {
	if len(fragment) == 0 {
		return true
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return false
	}
	for path, expected := range fragment {
		expr, err := jp.ParseString(path)
		if err != nil {
			return false
		}
		results := expr.Get(data)
		if len(results) == 0 {
			return false
		}
		matchedAny := false
		for _, v := range results {
			if jsonValuesEqual(v, expected) {
				matchedAny = true
				break
			}
		}
		if !matchedAny {
			return false
		}
	}
	return true
}

func jsonValuesEqual(actual, expected any) bool {
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	af, aok := toFloat64(actual)
	ef, eok := toFloat64(expected)
	if aok && eok {
		return af == ef
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Cookie matches requests carrying a cookie named name with value value.
func Cookie(name, value string) Matcher {
	return MatcherFunc(func(req *Request) bool {
		v, ok := req.Cookie(name)
		return ok && v == value
	})
}

// Custom wraps a native predicate for in-process registration, where
// closures can cross the boundary directly.
func Custom(predicate func(req *Request) bool) Matcher {
	return MatcherFunc(predicate)
}

// CustomExpr compiles source as an expr-lang expression evaluated against
// a map view of the request (method, hostname, path, protocol, header,
// query) — the representation a remote control-channel peer can transmit
// as source text instead of a native closure.
func CustomExpr(source string) (Matcher, error) {
	program, err := expr.Compile(source, expr.AsBool())
	if err != nil {
		return nil, err
	}
	return &exprMatcher{source: source, program: program}, nil
}

type exprMatcher struct {
	source  string
	program *vm.Program
}

func (m *exprMatcher) Match(req *Request) bool {
	env := map[string]any{
		"method":   req.Method,
		"hostname": req.Hostname,
		"path":     req.Path,
		"protocol": string(req.Protocol),
		"header":   headerToMap(req.Header),
		"query":    queryToMap(req.Query()),
	}
	out, err := expr.Run(m.program, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func headerToMap(h headerMultimap) map[string]string {
	m := make(map[string]string, len(h))
	for k := range h {
		m[k] = h.Get(k)
	}
	return m
}

func queryToMap(v map[string][]string) map[string]string {
	m := make(map[string]string, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			m[k] = vals[0]
		}
	}
	return m
}
