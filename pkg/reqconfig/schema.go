// Package reqconfig implements requestctl: reusable request predicates
// (patterns and ipblocks), the boolean expression DSL combining them, and
// the compilation of enabled actions into VCL consumed by the edge caches.
package reqconfig

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/entity"
	"github.com/confctl/confctl/pkg/schema"
	"github.com/confctl/confctl/pkg/store"
)

// Declarations returns the requestctl entities. requestctl has its own
// schema and does not depend on a schema file.
func Declarations() map[string]entity.Declaration {
	emptyString := entity.FieldDecl{Type: "string", Default: ""}
	boolFalse := entity.FieldDecl{Type: "bool", Default: false}
	return map[string]entity.Declaration{
		"ipblock": {
			Tags: []string{"scope"},
			Path: "request-ipblocks",
			Schema: map[string]entity.FieldDecl{
				"cidrs":   {Type: "cidr_list", Default: []interface{}{}},
				"comment": emptyString,
			},
		},
		"pattern": {
			Tags: []string{"scope"},
			Path: "request-patterns",
			Schema: map[string]entity.FieldDecl{
				"method":                emptyString,
				"request_body":          emptyString,
				"url_path":              emptyString,
				"header":                emptyString,
				"header_value":          emptyString,
				"query_parameter":       emptyString,
				"query_parameter_value": emptyString,
			},
		},
		"action": {
			Tags: []string{"cluster"},
			Path: "request-actions",
			Schema: map[string]entity.FieldDecl{
				"enabled":           boolFalse,
				"cache_miss_only":   {Type: "bool", Default: true},
				"comment":           emptyString,
				"expression":        emptyString,
				"resp_status":       {Type: "int", Default: 429},
				"resp_reason":       emptyString,
				"sites":             {Type: "list", Default: []interface{}{}},
				"do_throttle":       boolFalse,
				"throttle_requests": {Type: "int", Default: 500},
				"throttle_interval": {Type: "int", Default: 30},
				"throttle_duration": {Type: "int", Default: 1000},
				"throttle_per_ip":   boolFalse,
				"log_matching":      boolFalse,
			},
		},
		"vcl": {
			Tags: []string{"cluster"},
			Path: "request-vcl",
			Schema: map[string]entity.FieldDecl{
				"vcl": emptyString,
			},
		},
	}
}

// SyncEntities are the object types synchronized from a git working copy;
// vcl objects are compiler-owned and never synced.
var SyncEntities = []string{"action", "ipblock", "pattern"}

// NewSchema loads the requestctl entities without the conftool defaults.
func NewSchema(cfg config.Config, driver store.Driver) (*schema.Schema, error) {
	return schema.FromData(cfg, driver, Declarations(), false)
}

// SplitSlug decomposes "scope/name". The slug of every pattern and ipblock
// reference has exactly one path separator.
func SplitSlug(slug string) (scope, name string, err error) {
	scope, name, found := strings.Cut(slug, "/")
	if !found || scope == "" || name == "" {
		return "", "", fmt.Errorf("%s doesn't contain a path separator", slug)
	}
	return scope, name, nil
}

// Pattern is the typed view over a pattern entity.
type Pattern struct {
	Method              string `json:"method"`
	RequestBody         string `json:"request_body"`
	URLPath             string `json:"url_path"`
	Header              string `json:"header"`
	HeaderValue         string `json:"header_value"`
	QueryParameter      string `json:"query_parameter"`
	QueryParameterValue string `json:"query_parameter_value"`
}

// Action is the typed view over an action entity.
type Action struct {
	entity *entity.Entity

	Cluster string `json:"-"`
	Name    string `json:"-"`

	Enabled          bool     `json:"enabled"`
	CacheMissOnly    bool     `json:"cache_miss_only"`
	Comment          string   `json:"comment"`
	Expression       string   `json:"expression"`
	RespStatus       int      `json:"resp_status"`
	RespReason       string   `json:"resp_reason"`
	Sites            []string `json:"sites"`
	DoThrottle       bool     `json:"do_throttle"`
	ThrottleRequests int      `json:"throttle_requests"`
	ThrottleInterval int      `json:"throttle_interval"`
	ThrottleDuration int      `json:"throttle_duration"`
	ThrottlePerIP    bool     `json:"throttle_per_ip"`
	LogMatching      bool     `json:"log_matching"`
}

// Pprint renders the action slug, e.g. "text/block_bots".
func (a *Action) Pprint() string { return a.Cluster + "/" + a.Name }

func parsePattern(e *entity.Entity) (*Pattern, error) {
	var p Pattern
	if err := decodeEntity(e, &p); err != nil {
		return nil, fmt.Errorf("pattern %s: %w", e.Pprint(), err)
	}
	return &p, nil
}

func parseAction(e *entity.Entity) (*Action, error) {
	a := &Action{entity: e, Cluster: e.Tags()["cluster"], Name: e.Name()}
	if err := decodeEntity(e, a); err != nil {
		return nil, fmt.Errorf("action %s: %w", e.Pprint(), err)
	}
	return a, nil
}

func decodeEntity(e *entity.Entity, out interface{}) error {
	raw, err := json.Marshal(e.ToNet())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
