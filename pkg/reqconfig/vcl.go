package reqconfig

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const vclHeader = "X-Requestctl"

// RenderVCL produces the full VCL block for a set of actions targeting one
// (cluster, site) scope. Actions are emitted sorted by name; disabled
// actions are included only when they ask for match logging.
func RenderVCL(ctx context.Context, actions []*Action, patterns PatternGetter) (string, error) {
	if len(actions) == 0 {
		return "", nil
	}
	sorted := make([]*Action, len(actions))
	copy(sorted, actions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pprint() < sorted[j].Pprint() })

	translator := VCL()
	var b strings.Builder
	// The header accumulates the names of the matching log-only actions,
	// for logging and debugging at the edge.
	fmt.Fprintf(&b, "if (!req.http.%s) {\n    set req.http.%s = \"\";\n}\n", vclHeader, vclHeader)

	for _, a := range sorted {
		if !a.Enabled && !a.LogMatching {
			continue
		}
		parser := NewParser(permissiveResolver{})
		tokens, err := parser.Parse(ctx, a.Expression)
		if err != nil {
			return "", fmt.Errorf("action %s: %w", a.Pprint(), err)
		}
		expr, err := translator.FromExpression(ctx, tokens, patterns)
		if err != nil {
			return "", fmt.Errorf("action %s: %w", a.Pprint(), err)
		}
		switch {
		case !a.Enabled && a.LogMatching:
			b.WriteString(renderLogOnly(a, expr))
		case a.DoThrottle:
			b.WriteString(renderThrottle(a, expr))
		default:
			b.WriteString(renderBan(a, expr))
		}
	}

	fmt.Fprintf(&b, "set req.http.%s = regsub(req.http.%s, \"^,\", \"\");\n", vclHeader, vclHeader)
	return b.String(), nil
}

func renderComment(a *Action) string {
	if a.Comment == "" {
		return fmt.Sprintf("// requestctl: %s\n", a.Pprint())
	}
	return fmt.Sprintf("// requestctl: %s (%s)\n", a.Pprint(), a.Comment)
}

func renderLogOnly(a *Action, expr string) string {
	return renderComment(a) + fmt.Sprintf(
		"if (%s) {\n    set req.http.%s = req.http.%s + \",%s\";\n}\n",
		expr, vclHeader, vclHeader, a.Name)
}

func renderThrottle(a *Action, expr string) string {
	key := fmt.Sprintf("\"requestctl:%s\"", a.Name)
	if a.ThrottlePerIP {
		key += " + req.http.X-Client-IP"
	}
	retryAfter := a.ThrottleDuration
	if retryAfter < 1 {
		retryAfter = 1
	}
	return renderComment(a) + fmt.Sprintf(
		"if (%s && vsthrottle.is_denied(%s, %d, %ds, %ds)) {\n"+
			"    set req.http.Retry-After = %d;\n"+
			"    return (synth(%d, \"%s\"));\n}\n",
		expr, key, a.ThrottleRequests, a.ThrottleInterval, a.ThrottleDuration,
		retryAfter, a.RespStatus, a.RespReason)
}

func renderBan(a *Action, expr string) string {
	return renderComment(a) + fmt.Sprintf(
		"if (%s) {\n    return (synth(%d, \"%s\"));\n}\n",
		expr, a.RespStatus, a.RespReason)
}

// permissiveResolver skips existence checks: stored expressions were
// validated when written, and compilation must not fail on a reference that
// disappeared since (the translator will surface it instead).
type permissiveResolver struct{}

func (permissiveResolver) PatternExists(context.Context, string) (bool, error) { return true, nil }
func (permissiveResolver) IPBlockExists(context.Context, string) (bool, error) { return true, nil }
