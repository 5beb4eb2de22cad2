package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetValidatorUnknown(t *testing.T) {
	_, err := GetValidator("frobnicate")
	require.Error(t, err)
}

func TestIntValidator(t *testing.T) {
	v, err := GetValidator("int")
	require.NoError(t, err)
	assert.Equal(t, "int", v.ExpectedType)

	tests := []struct {
		name    string
		in      interface{}
		want    interface{}
		wantErr bool
	}{
		{"plain int", 42, 42, false},
		{"json float", float64(10), 10, false},
		{"numeric string", "17", 17, false},
		{"garbage string", "seventeen", nil, true},
		{"bool", true, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Validate(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBoolValidatorIsStrict(t *testing.T) {
	v, err := GetValidator("bool")
	require.NoError(t, err)

	got, err := v.Validate(true)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	_, err = v.Validate("true")
	require.Error(t, err)
	_, err = v.Validate(1)
	require.Error(t, err)
}

func TestListValidatorCoercesNonLists(t *testing.T) {
	v, err := GetValidator("list")
	require.NoError(t, err)

	got, err := v.Validate("not a list")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{}, got)

	got, err = v.Validate([]interface{}{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, got)
}

func TestDictValidator(t *testing.T) {
	v, err := GetValidator("dict")
	require.NoError(t, err)

	_, err = v.Validate([]interface{}{})
	require.Error(t, err)

	got, err := v.Validate(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1}, got)
}

func TestEnumValidator(t *testing.T) {
	v, err := GetValidator("enum:yes|no|inactive")
	require.NoError(t, err)
	assert.Equal(t, "enum", v.ExpectedType)

	got, err := v.Validate("yes")
	require.NoError(t, err)
	assert.Equal(t, "yes", got)

	_, err = v.Validate("maybe")
	require.Error(t, err)
}

func TestCidrListValidatorDropsInvalid(t *testing.T) {
	v, err := GetValidator("cidr_list")
	require.NoError(t, err)

	got, err := v.Validate([]interface{}{
		"192.0.2.0/24",
		// host bits set: tolerated
		"192.0.2.1/24",
		"10.0.0.1",
		"2001:db8::/32",
		"not-a-network",
		"300.1.2.3/8",
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"192.0.2.0/24", "192.0.2.1/24", "10.0.0.1", "2001:db8::/32"}, got)

	_, err = v.Validate("192.0.2.0/24")
	require.Error(t, err)
}

func TestAnyValidator(t *testing.T) {
	v, err := GetValidator("any")
	require.NoError(t, err)

	got, err := v.Validate(map[string]interface{}{"nested": []interface{}{1, 2}})
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = v.Validate(make(chan int))
	require.Error(t, err)
}

func TestSchemaRuleMatch(t *testing.T) {
	rule, err := NewSchemaRule("test", "scope=eqiad|codfw,name=db.*", "/nonexistent.schema")
	require.NoError(t, err)

	assert.True(t, rule.Match(map[string]string{"scope": "eqiad"}, "db1"))
	assert.True(t, rule.Match(map[string]string{"scope": "codfw"}, "db2"))
	// unmentioned tags are unconstrained
	assert.True(t, rule.Match(map[string]string{"cluster": "anything"}, "db1"))
	assert.False(t, rule.Match(map[string]string{"scope": "esams"}, "db1"))
	assert.False(t, rule.Match(map[string]string{"scope": "eqiad"}, "web1"))
	// regexes are anchored
	assert.False(t, rule.Match(map[string]string{"scope": "xeqiadx"}, "db1"))
}

func TestDocumentSchemaRuleValidate(t *testing.T) {
	doc := map[string]interface{}{
		"type":     "object",
		"required": []string{"val"},
		"properties": map[string]interface{}{
			"val": map[string]interface{}{"type": "integer"},
		},
	}
	rule, err := NewDocumentSchemaRule("doc", "name=conf", doc)
	require.NoError(t, err)

	require.NoError(t, rule.Validate(map[string]interface{}{"val": 3}))

	err = rule.Validate(map[string]interface{}{"val": "three"})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestJSONSchemaLoaderRulesFor(t *testing.T) {
	l, err := NewJSONSchemaLoader("schemas", map[string]RuleDecl{
		"mediawiki": {Selector: "name=dbconfig", Schema: "dbconfig.schema"},
		"catchall":  {Selector: "scope=.*", Schema: "any.schema"},
	})
	require.NoError(t, err)

	rules := l.RulesFor(map[string]string{"scope": "eqiad"}, "dbconfig")
	assert.Len(t, rules, 2)

	rules = l.RulesFor(map[string]string{"scope": "eqiad"}, "other")
	assert.Len(t, rules, 1)
	assert.Equal(t, "catchall", rules[0].Name)
}
