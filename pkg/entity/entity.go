package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/confctl/confctl/pkg/store"
	"github.com/confctl/confctl/pkg/types"
)

// FieldDecl declares one field of an entity schema.
type FieldDecl struct {
	Type    string      `json:"type"`
	Default interface{} `json:"default"`
}

// JSONSchemaDecl declares the JSON-schema rule set of an entity.
type JSONSchemaDecl struct {
	BasePath string                    `json:"base_path"`
	Rules    map[string]types.RuleDecl `json:"rules"`
}

// Declaration is the full declarative description of an entity type, as
// found in the schema YAML file or in the built-in definitions.
type Declaration struct {
	Tags         []string             `json:"tags"`
	Path         string               `json:"path"`
	Schema       map[string]FieldDecl `json:"schema"`
	Depends      []string             `json:"depends"`
	FreeForm     bool                 `json:"free_form"`
	StaticValues bool                 `json:"static_values"`
	JSONSchema   *JSONSchemaDecl      `json:"json_schema"`
}

// Type is an instantiated entity type: a declaration bound to validators, a
// rule loader and a datastore driver.
type Type struct {
	Name       string
	Tags       []string
	Depends    []string
	FreeForm   bool
	Static     bool
	driver     store.Driver
	base       string
	validators map[string]types.Validator
	defaults   map[string]interface{}
	rules      *types.JSONSchemaLoader
}

// NewType builds a Type from a declaration. Construction fails on an
// unknown field type or a malformed JSON-schema rule.
func NewType(name string, decl Declaration, driver store.Driver) (*Type, error) {
	if decl.Path == "" {
		return nil, fmt.Errorf("entity %s has no path", name)
	}
	t := &Type{
		Name:       name,
		Tags:       decl.Tags,
		Depends:    decl.Depends,
		FreeForm:   decl.FreeForm,
		Static:     decl.StaticValues,
		driver:     driver,
		base:       decl.Path,
		validators: map[string]types.Validator{},
		defaults:   map[string]interface{}{},
	}
	for field, def := range decl.Schema {
		v, err := types.GetValidator(def.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s of entity %s: %w", field, name, err)
		}
		t.validators[field] = v
		t.defaults[field] = def.Default
	}
	if decl.JSONSchema != nil {
		rules, err := types.NewJSONSchemaLoader(decl.JSONSchema.BasePath, decl.JSONSchema.Rules)
		if err != nil {
			return nil, fmt.Errorf("json schema of entity %s: %w", name, err)
		}
		t.rules = rules
	}
	return t, nil
}

// AddRule appends a schema rule to the type. Used by compilers that generate
// their schemas programmatically.
func (t *Type) AddRule(rule *types.SchemaRule) {
	if t.rules == nil {
		t.rules = &types.JSONSchemaLoader{}
	}
	t.rules.Rules = append(t.rules.Rules, rule)
}

// BasePath is the KV directory all objects of this type live under.
func (t *Type) BasePath() string { return t.base }

// KVPath joins segments below the type's base path.
func (t *Type) KVPath(segments ...string) string {
	return path.Join(append([]string{t.base}, segments...)...)
}

// FieldType returns the expected-type tag of a declared field, or the empty
// string for unknown fields.
func (t *Type) FieldType(field string) string {
	return t.validators[field].ExpectedType
}

// Default returns the declared default for a field.
func (t *Type) Default(field string) interface{} {
	return t.defaults[field]
}

// ParseTags resolves a list of "key=value" assignments into an ordered tag
// vector. All declared tags must be present.
func (t *Type) ParseTags(taglist []string) ([]string, error) {
	kv := map[string]string{}
	for _, el := range taglist {
		k, v, found := strings.Cut(el, "=")
		if !found {
			return nil, fmt.Errorf("malformed tag %q", el)
		}
		kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	res := make([]string, 0, len(t.Tags))
	for _, tag := range t.Tags {
		v, ok := kv[tag]
		if !ok {
			return nil, fmt.Errorf("missing tag %q", tag)
		}
		res = append(res, v)
	}
	return res, nil
}

// New instantiates an entity from its tag values and name, without fetching.
func (t *Type) New(labels ...string) (*Entity, error) {
	if len(labels) != len(t.Tags)+1 {
		return nil, fmt.Errorf("entity %s wants %d labels, got %d", t.Name, len(t.Tags)+1, len(labels))
	}
	e := &Entity{
		typ:    t,
		tags:   labels[:len(labels)-1],
		name:   labels[len(labels)-1],
		fields: map[string]interface{}{},
	}
	if t.FreeForm {
		e.free = map[string]interface{}{}
	}
	for field, def := range t.defaults {
		e.fields[field] = def
	}
	return e, nil
}

// Get instantiates an entity and fetches its current state.
func (t *Type) Get(ctx context.Context, labels ...string) (*Entity, error) {
	e, err := t.New(labels...)
	if err != nil {
		return nil, err
	}
	if err := e.Fetch(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// ParseSelector compiles a tag→regex selector; expressions are anchored.
func ParseSelector(raw map[string]string) (map[string]*regexp.Regexp, error) {
	sel := make(map[string]*regexp.Regexp, len(raw))
	for tag, expr := range raw {
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid selector for %s: %w", tag, err)
		}
		sel[tag] = re
	}
	return sel, nil
}

// Query enumerates all objects of this type whose tag vector matches every
// regex in the selector. Tags absent from the selector are unconstrained.
func (t *Type) Query(ctx context.Context, selector map[string]*regexp.Regexp) ([]*Entity, error) {
	keys, err := t.driver.AllKeys(ctx, t.base)
	if err != nil {
		// Nothing stored yet for this type.
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	labels := append(append([]string{}, t.Tags...), "name")
	var res []*Entity
	for _, candidate := range keys {
		if len(candidate) != len(labels) {
			continue
		}
		matching := true
		for i, tag := range labels {
			re, ok := selector[tag]
			if !ok {
				continue
			}
			if !re.MatchString(candidate[i]) {
				matching = false
				break
			}
		}
		if !matching {
			continue
		}
		e, err := t.Get(ctx, candidate...)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// AllData returns every stored object below the type's base path, keyed
// relative to it.
func (t *Type) AllData(ctx context.Context) ([]store.KV, error) {
	return t.driver.AllData(ctx, t.base)
}

// Find returns all objects of this type with the given name, whatever their
// tags.
func (t *Type) Find(ctx context.Context, name string) ([]*Entity, error) {
	vectors, err := t.driver.FindInPath(ctx, t.base, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var res []*Entity
	for _, labels := range vectors {
		e, err := t.Get(ctx, labels...)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// Entity is a typed, tagged object mapped 1-1 to a KV key.
type Entity struct {
	typ    *Type
	tags   []string
	name   string
	fields map[string]interface{}
	free   map[string]interface{}
	exists bool
}

func (e *Entity) Type() *Type  { return e.typ }
func (e *Entity) Name() string { return e.name }
func (e *Entity) Exists() bool { return e.exists }

// Key is the absolute path of the object below the type's base path.
func (e *Entity) Key() string {
	return e.typ.KVPath(append(append([]string{}, e.tags...), e.name)...)
}

// Tags returns the tag mapping of the object.
func (e *Entity) Tags() map[string]string {
	res := make(map[string]string, len(e.typ.Tags))
	for i, tag := range e.typ.Tags {
		res[tag] = e.tags[i]
	}
	return res
}

// Labels returns the ordered tag values followed by the name.
func (e *Entity) Labels() []string {
	return append(append([]string{}, e.tags...), e.name)
}

// Pprint renders the object slug: its tag values and name joined by "/".
func (e *Entity) Pprint() string {
	return strings.Join(e.Labels(), "/")
}

// Field returns the current value of a declared or free-form field.
func (e *Entity) Field(name string) interface{} {
	if v, ok := e.fields[name]; ok {
		return v
	}
	if e.free != nil {
		return e.free[name]
	}
	return nil
}

// SetField validates and sets a single field in memory.
func (e *Entity) SetField(name string, value interface{}) error {
	v, ok := e.typ.validators[name]
	if !ok {
		if e.free == nil {
			return &types.ValidationError{Field: name, Err: fmt.Errorf("not in the schema")}
		}
		e.free[name] = value
		return nil
	}
	validated, err := v.Validate(value)
	if err != nil {
		return &types.ValidationError{Field: name, Err: err}
	}
	e.fields[name] = validated
	return nil
}

// Fetch reads the object from the datastore. Missing or invalid fields are
// replaced by their declared defaults; a missing key leaves the object in
// its default state with exists=false.
func (e *Entity) Fetch(ctx context.Context) error {
	e.exists = false
	values, err := e.typ.driver.Read(ctx, e.Key())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.FromNet(nil)
			return nil
		}
		return err
	}
	e.exists = values != nil
	e.FromNet(values)
	return nil
}

// FromNet populates the object from an externally supplied value map,
// applying defaults for missing or invalid declared fields and collecting
// unknown keys as free-form fields when allowed.
func (e *Entity) FromNet(values map[string]interface{}) {
	for field, validator := range e.typ.validators {
		raw, ok := values[field]
		if !ok {
			e.fields[field] = e.typ.defaults[field]
			continue
		}
		validated, err := validator.Validate(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{"key": e.Key(), "field": field}).
				Infof("value is invalid (%v), using default %v", err, e.typ.defaults[field])
			e.fields[field] = e.typ.defaults[field]
			continue
		}
		e.fields[field] = validated
	}
	if e.free == nil {
		return
	}
	for k, v := range values {
		if _, ok := e.typ.validators[k]; !ok {
			e.free[k] = v
		}
	}
}

// ToNet serializes all declared fields, plus the free-form ones.
func (e *Entity) ToNet() map[string]interface{} {
	values := make(map[string]interface{}, len(e.fields)+len(e.free))
	for field, value := range e.fields {
		values[field] = value
	}
	for k, v := range e.free {
		values[k] = v
	}
	return values
}

// Write persists the serialized object.
func (e *Entity) Write(ctx context.Context) error {
	if err := e.typ.driver.Write(ctx, e.Key(), e.ToNet()); err != nil {
		return err
	}
	e.exists = true
	return nil
}

// Update validates and applies only the fields present in values, then
// writes. Unmentioned fields keep their current value.
func (e *Entity) Update(ctx context.Context, values map[string]interface{}) error {
	for k, v := range values {
		if _, ok := e.typ.validators[k]; !ok && e.free == nil {
			continue
		}
		if err := e.SetField(k, v); err != nil {
			return err
		}
	}
	return e.Write(ctx)
}

// Delete removes the object from the datastore.
func (e *Entity) Delete(ctx context.Context) error {
	return e.typ.driver.Delete(ctx, e.Key())
}

// Validate runs every JSON-schema rule matching the object's tag set over
// the serialized form with values overlaid.
func (e *Entity) Validate(values map[string]interface{}) error {
	if e.typ.rules == nil {
		return nil
	}
	merged := e.ToNet()
	for k, v := range values {
		merged[k] = v
	}
	for _, rule := range e.typ.rules.RulesFor(e.Tags(), e.name) {
		if err := rule.Validate(merged); err != nil {
			return err
		}
	}
	return nil
}

// Changed reports whether applying values would modify the serialized form.
func (e *Entity) Changed(values map[string]interface{}) bool {
	current := e.ToNet()
	for k, v := range values {
		cur, ok := current[k]
		if !ok || !cmp.Equal(normalize(cur), normalize(v)) {
			return true
		}
	}
	return false
}

// String renders the object as JSON, keyed by name and with tags attached.
func (e *Entity) String() string {
	d := map[string]interface{}{
		e.name: e.ToNet(),
		"tags": e.Tags(),
	}
	out, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf("%s: <unserializable: %v>", e.name, err)
	}
	return string(out)
}

// AsDict is the view-friendly rendering used by get actions and dumps.
func (e *Entity) AsDict() map[string]interface{} {
	return map[string]interface{}{
		e.name: e.ToNet(),
		"tags": e.Tags(),
	}
}

// normalize round-trips a value through JSON so that numeric and list types
// coming from YAML, the CLI and the store compare equal.
func normalize(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
