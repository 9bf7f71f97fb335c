package control

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sgml/mockttp/rules"
)

// decodeRuleData turns a wire-level mockRuleInput into rules.RuleData,
// rejecting any variant a remote peer cannot legitimately supply (a
// callback handler, a matcher/checker with no registered remote
// implementation).
func decodeRuleData(in mockRuleInput) (rules.RuleData, error) {
	matchers := make([]rules.Matcher, 0, len(in.Matchers))
	for i, mw := range in.Matchers {
		m, err := decodeMatcher(mw)
		if err != nil {
			return rules.RuleData{}, fmt.Errorf("matcher %d: %w", i, err)
		}
		matchers = append(matchers, m)
	}

	handler, err := decodeHandler(in.Handler)
	if err != nil {
		return rules.RuleData{}, fmt.Errorf("handler: %w", err)
	}

	var checker rules.Checker
	if in.Checker != nil {
		checker, err = decodeChecker(*in.Checker)
		if err != nil {
			return rules.RuleData{}, fmt.Errorf("checker: %w", err)
		}
	}

	return rules.RuleData{Matchers: matchers, Handler: handler, Checker: checker}, nil
}

func decodeMatcher(w matcherWire) (rules.Matcher, error) {
	switch w.Type {
	case "anyRequest":
		return rules.AnyRequest(), nil
	case "method":
		return rules.Method(w.Method), nil
	case "hostname":
		return rules.Hostname(w.Hostname), nil
	case "protocol":
		return rules.ProtocolIs(rules.Protocol(w.Protocol)), nil
	case "path":
		return rules.Path(w.Path, w.Regex), nil
	case "query":
		return rules.Query(w.Query), nil
	case "header":
		return rules.Header(w.Name, w.Value), nil
	case "body":
		switch w.BodyKind {
		case "exact":
			return rules.BodyExact(w.Body), nil
		case "regex":
			return rules.BodyRegex(w.Body), nil
		case "json-fragment":
			return rules.BodyJSONFragment(w.JSONFragment), nil
		default:
			return nil, fmt.Errorf("unknown body matcher kind %q", w.BodyKind)
		}
	case "cookie":
		return rules.Cookie(w.Name, w.Value), nil
	case "custom":
		return rules.CustomExpr(w.Expr)
	default:
		return nil, fmt.Errorf("unknown matcher type %q", w.Type)
	}
}

func decodeHandler(w handlerWire) (rules.Handler, error) {
	switch w.Type {
	case "static":
		h := rules.NewStatic(w.StatusCode, http.Header(w.Header), []byte(w.Body))
		h.StatusMessage = w.StatusMessage
		return h, nil
	case "passthrough":
		h := rules.NewPassthrough()
		h.SSLInsecure = w.SSLInsecure
		if w.UpstreamProxy != "" {
			u, err := url.Parse(w.UpstreamProxy)
			if err != nil {
				return nil, fmt.Errorf("upstreamProxy: %w", err)
			}
			h.UpstreamProxy = u
		}
		return h, nil
	case "close":
		return &rules.CloseHandler{}, nil
	case "reset":
		return &rules.ResetHandler{}, nil
	case "timeout":
		return &rules.TimeoutHandler{}, nil
	case "stream", "callback":
		return nil, fmt.Errorf("handler type %q cannot be registered remotely", w.Type)
	default:
		return nil, fmt.Errorf("unknown handler type %q", w.Type)
	}
}

func decodeChecker(w checkerWire) (rules.Checker, error) {
	switch w.Type {
	case "always":
		return rules.Always(), nil
	case "once":
		return rules.Once(), nil
	case "times":
		return rules.Times(w.N), nil
	case "custom":
		return nil, errors.New("custom checker predicates cannot be registered remotely")
	default:
		return nil, fmt.Errorf("unknown checker type %q", w.Type)
	}
}
