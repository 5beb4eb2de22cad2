package types

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaRule binds a tag/name selector to a JSON schema. An object whose tag
// set matches the selector must validate against the schema.
type SchemaRule struct {
	Name      string
	selectors map[string]*regexp.Regexp

	path     string
	document interface{}

	once   sync.Once
	schema *gojsonschema.Schema
	err    error
}

// NewSchemaRule builds a rule from a comma-separated selector of anchored
// tag=regex pairs and the path of a JSON schema file.
func NewSchemaRule(name, selector, schemaPath string) (*SchemaRule, error) {
	r := &SchemaRule{Name: name, path: schemaPath, selectors: map[string]*regexp.Regexp{}}
	for _, tag := range strings.Split(selector, ",") {
		k, expr, found := strings.Cut(tag, "=")
		if !found {
			return nil, fmt.Errorf("malformed selector element %q", tag)
		}
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid selector regex for %s: %w", k, err)
		}
		r.selectors[k] = re
	}
	return r, nil
}

// NewDocumentSchemaRule is NewSchemaRule for an in-memory schema document,
// used by compilers that generate their schema from Go types.
func NewDocumentSchemaRule(name, selector string, document interface{}) (*SchemaRule, error) {
	r, err := NewSchemaRule(name, selector, "")
	if err != nil {
		return nil, err
	}
	r.document = document
	return r, nil
}

// Match reports whether the rule applies to an object with the given tags
// and name. Tags absent from the selector are unconstrained.
func (r *SchemaRule) Match(tags map[string]string, name string) bool {
	for tag, value := range tags {
		re, ok := r.selectors[tag]
		if !ok {
			continue
		}
		if !re.MatchString(value) {
			return false
		}
	}
	if re, ok := r.selectors["name"]; ok {
		return re.MatchString(name)
	}
	return true
}

// Validate checks the serialized object against the rule's schema.
func (r *SchemaRule) Validate(data map[string]interface{}) error {
	r.once.Do(func() {
		var loader gojsonschema.JSONLoader
		if r.document != nil {
			loader = gojsonschema.NewGoLoader(r.document)
		} else {
			loader = gojsonschema.NewReferenceLoader("file://" + r.path)
		}
		r.schema, r.err = gojsonschema.NewSchema(loader)
	})
	if r.err != nil {
		return &ValidationError{Err: fmt.Errorf("loading schema for rule %s: %w", r.Name, r.err)}
	}
	result, err := r.schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return &ValidationError{Err: err}
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return &ValidationError{Err: fmt.Errorf("%s", strings.Join(msgs, "; "))}
}

// JSONSchemaLoader owns a stack of schema rules.
type JSONSchemaLoader struct {
	BasePath string
	Rules    []*SchemaRule
}

// RuleDecl is the declaration of a single rule in an entity definition.
type RuleDecl struct {
	Selector string `json:"selector"`
	Schema   string `json:"schema"`
}

// NewJSONSchemaLoader builds a loader from declarations; schema filenames
// are resolved against basePath.
func NewJSONSchemaLoader(basePath string, rules map[string]RuleDecl) (*JSONSchemaLoader, error) {
	l := &JSONSchemaLoader{BasePath: basePath}
	for name, decl := range rules {
		rule, err := NewSchemaRule(name, decl.Selector, filepath.Join(basePath, decl.Schema))
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		l.Rules = append(l.Rules, rule)
	}
	return l, nil
}

// RulesFor returns all rules matching the given tag set and name.
func (l *JSONSchemaLoader) RulesFor(tags map[string]string, name string) []*SchemaRule {
	var res []*SchemaRule
	for _, rule := range l.Rules {
		if rule.Match(tags, name) {
			res = append(res, rule)
		}
	}
	return res
}
