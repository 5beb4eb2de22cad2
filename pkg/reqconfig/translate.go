package reqconfig

import (
	"context"
	"fmt"
	"strings"
)

// PatternGetter resolves a pattern slug into its stored fields.
type PatternGetter func(ctx context.Context, slug string) (*Pattern, error)

// IPblock scopes implemented as Varnish ACLs.
var aclScopes = map[string]bool{"abuse": true}

// IPblock scopes carried by a request header set at the edge.
var customHeaderScopes = map[string]string{
	"cloud":         "X-Public-Cloud",
	"known-clients": "X-Known-Client",
}

// Translator turns a parsed expression into one of the two target
// languages. The zero fields configure the dialect.
type Translator struct {
	And string
	Or  string
	// Not is the negation operator, including any needed trailing space.
	Not string
	// ACL and NoACL are format strings receiving the ACL name.
	ACL   string
	NoACL string
	// Selector prefixes.
	Method       string
	URL          string
	HeaderPrefix string
	// Body is the request-body selector; empty means body inspection is not
	// supported and patterns needing it emit no body clause.
	Body string
	// Equality is the operator used for exact method matches.
	Equality string
	// EscapeBackslash doubles backslashes in regex values on the wire.
	EscapeBackslash bool
}

// VCL translates to the Varnish Configuration Language.
func VCL() *Translator {
	return &Translator{
		And:          " && ",
		Or:           " || ",
		Not:          "!",
		ACL:          `std.ip(req.http.X-Client-IP, "192.0.2.1") ~ %s`,
		NoACL:        `std.ip(req.http.X-Client-IP, "192.0.2.1") !~ %s`,
		Method:       "req.method",
		URL:          "req.url",
		HeaderPrefix: "req.http.",
		// Body inspection needs the bodyaccess vmod, which the caches do
		// not ship.
		Equality: "==",
	}
}

// VSL translates to the Varnish Shared Log query language.
func VSL() *Translator {
	return &Translator{
		And:          " and ",
		Or:           " or ",
		Not:          "not ",
		ACL:          `VCL_acl ~ "^MATCH %s.*"`,
		NoACL:        `VCL_acl ~ "^NO_MATCH %s"`,
		Method:       "ReqMethod",
		URL:          "ReqURL",
		HeaderPrefix: "ReqHeader:",
		// VSL has no equality operator, and no body access.
		Equality:        "~",
		EscapeBackslash: true,
	}
}

// FromExpression translates a canonical token list.
func (t *Translator) FromExpression(ctx context.Context, tokens []string, patterns PatternGetter) (string, error) {
	var b strings.Builder
	negation := false
	for _, token := range tokens {
		if stripped, found := strings.CutSuffix(token, " NOT"); found {
			negation = true
			token = stripped
		}
		switch {
		case token == "AND":
			b.WriteString(t.And)
		case token == "OR":
			b.WriteString(t.Or)
		case token == "(" || token == ")":
			if negation {
				b.WriteString(t.Not)
				negation = false
			}
			b.WriteString(token)
		case strings.HasPrefix(token, IPBlockPrefix):
			out, err := t.fromIPBlock(strings.TrimPrefix(token, IPBlockPrefix), negation)
			if err != nil {
				return "", err
			}
			b.WriteString(out)
			negation = false
		case strings.HasPrefix(token, PatternPrefix):
			out, err := t.fromPattern(ctx, strings.TrimPrefix(token, PatternPrefix), negation, patterns)
			if err != nil {
				return "", err
			}
			b.WriteString(out)
			negation = false
		default:
			return "", fmt.Errorf("untranslatable token %q", token)
		}
	}
	return b.String(), nil
}

func (t *Translator) fromIPBlock(slug string, negation bool) (string, error) {
	scope, value, err := SplitSlug(slug)
	if err != nil {
		return "", err
	}
	if aclScopes[scope] {
		if negation {
			return fmt.Sprintf(t.NoACL, value), nil
		}
		return fmt.Sprintf(t.ACL, value), nil
	}
	if header, ok := customHeaderScopes[scope]; ok {
		oper := "~"
		if negation {
			oper = "!~"
		}
		return fmt.Sprintf(`%s%s %s "^%s$"`, t.HeaderPrefix, header, oper, value), nil
	}
	return "", fmt.Errorf("scope '%s' is not currently supported", scope)
}

func (t *Translator) fromPattern(ctx context.Context, slug string, negation bool, patterns PatternGetter) (string, error) {
	obj, err := patterns(ctx, slug)
	if err != nil {
		return "", err
	}
	var clauses []string
	if obj.Method != "" {
		clauses = append(clauses, fmt.Sprintf(`%s %s "%s"`, t.Method, t.Equality, obj.Method))
	}
	if rule := t.urlMatch(t.escape(obj.URLPath), obj.QueryParameter, t.escape(obj.QueryParameterValue)); rule != "" {
		clauses = append(clauses, rule)
	}
	if obj.Header != "" {
		if obj.HeaderValue != "" {
			clauses = append(clauses, fmt.Sprintf(`%s%s ~ "%s"`, t.HeaderPrefix, obj.Header, t.escape(obj.HeaderValue)))
		} else {
			// A header with no value selects on the absence of the header.
			clauses = append(clauses, fmt.Sprintf("%s%s%s", t.Not, t.HeaderPrefix, obj.Header))
		}
	}
	// Body inspection is limited to POST, and to dialects that support it.
	if obj.RequestBody != "" && obj.Method == "POST" && t.Body != "" {
		clauses = append(clauses, fmt.Sprintf(`%s ~ "%s"`, t.Body, obj.RequestBody))
	}
	if len(clauses) == 0 {
		return "", fmt.Errorf("pattern %s produces no selector", slug)
	}
	if len(clauses) > 1 || negation {
		joined := strings.Join(clauses, t.And)
		if negation {
			return fmt.Sprintf("%s(%s)", t.Not, joined), nil
		}
		return fmt.Sprintf("(%s)", joined), nil
	}
	return clauses[0], nil
}

// urlMatch composes the URL regex from path, query parameter and value,
// each part optional.
func (t *Translator) urlMatch(url, param, value string) string {
	if url == "" && param == "" && value == "" {
		return ""
	}
	out := t.URL + ` ~ "`
	if url != "" {
		out += url
		if param != "" {
			out += ".*"
		}
	}
	if param != "" {
		out += fmt.Sprintf("[?&]%s", param)
		if value != "" {
			out += fmt.Sprintf("=%s", value)
		}
	}
	return out + `"`
}

func (t *Translator) escape(expr string) string {
	if t.EscapeBackslash {
		return strings.ReplaceAll(expr, `\`, `\\`)
	}
	return expr
}
