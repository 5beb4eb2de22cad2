package reqconfig

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aquasecurity/table"
	"github.com/ettle/strcase"
	"sigs.k8s.io/yaml"

	"github.com/confctl/confctl/pkg/entity"
)

// Render formats a list of objects in the requested output format:
// "pretty" (tabular), "json" or "yaml".
func Render(objs []*entity.Entity, objtype, format string) (string, error) {
	switch format {
	case "json":
		raw, err := json.MarshalIndent(dump(objs), "", "    ")
		return string(raw), err
	case "yaml":
		raw, err := yaml.Marshal(dump(objs))
		return string(raw), err
	case "pretty":
		return pretty(objs, objtype)
	default:
		return "", fmt.Errorf("unsupported format '%s'", format)
	}
}

// dump renders objects keyed by slug.
func dump(objs []*entity.Entity) map[string]interface{} {
	out := map[string]interface{}{}
	for _, obj := range objs {
		out[obj.Pprint()] = obj.ToNet()
	}
	return out
}

func pretty(objs []*entity.Entity, objtype string) (string, error) {
	var b strings.Builder
	tbl := table.New(&b)
	switch objtype {
	case "pattern":
		tbl.SetHeaders(header("name"), header("pattern"))
		for _, obj := range objs {
			p, err := parsePattern(obj)
			if err != nil {
				return "", err
			}
			tbl.AddRow(obj.Pprint(), patternSummary(p))
		}
	case "ipblock":
		tbl.SetHeaders(header("name"), header("cidrs"))
		for _, obj := range objs {
			cidrs, _ := obj.Field("cidrs").([]interface{})
			parts := make([]string, 0, len(cidrs))
			for _, c := range cidrs {
				parts = append(parts, fmt.Sprintf("%v", c))
			}
			tbl.AddRow(obj.Pprint(), strings.Join(parts, "\n"))
		}
	case "action":
		tbl.SetHeaders(header("name"), header("action"), header("response"), header("throttle"), header("enabled"))
		for _, obj := range objs {
			a, err := parseAction(obj)
			if err != nil {
				return "", err
			}
			tbl.AddRow(
				a.Pprint(),
				a.Expression,
				fmt.Sprintf("%d %s", a.RespStatus, a.RespReason),
				fmt.Sprintf("%t", a.DoThrottle),
				fmt.Sprintf("%t", a.Enabled),
			)
		}
	case "vcl":
		tbl.SetHeaders(header("name"), header("vcl"))
		for _, obj := range objs {
			vcl, _ := obj.Field("vcl").(string)
			tbl.AddRow(obj.Pprint(), vcl)
		}
	default:
		return "", fmt.Errorf("unsupported object type '%s'", objtype)
	}
	tbl.Render()
	return b.String(), nil
}

func header(s string) string {
	return strcase.ToCase(s, strcase.TitleCase, ' ')
}

// patternSummary is the one-line human rendering of a pattern.
func patternSummary(p *Pattern) string {
	var out []string
	if p.Method != "" {
		out = append(out, p.Method)
	}
	if p.URLPath != "" {
		out = append(out, fmt.Sprintf("url:%s", p.URLPath))
	}
	if p.Header != "" {
		out = append(out, fmt.Sprintf("%s: %s", p.Header, p.HeaderValue))
	}
	if p.QueryParameter != "" {
		out = append(out, fmt.Sprintf("?%s=%s", p.QueryParameter, p.QueryParameterValue))
	}
	return strings.Join(out, "\n")
}
