package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/store"
	"github.com/confctl/confctl/pkg/types"
)

func documentRule(t *testing.T) (*types.SchemaRule, error) {
	t.Helper()
	doc := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"val": map[string]interface{}{"type": "integer"},
		},
	}
	return types.NewDocumentSchemaRule("int-val", "name=conf", doc)
}

func testDriver(t *testing.T) *store.MemoryDriver {
	t.Helper()
	cfg := config.Default()
	cfg.Driver = "memory"
	return store.NewMemoryDriver(cfg)
}

func nodeType(t *testing.T, driver store.Driver) *Type {
	t.Helper()
	typ, err := NewType("node", Declaration{
		Tags: []string{"dc", "cluster", "service"},
		Path: "pools",
		Schema: map[string]FieldDecl{
			"weight": {Type: "int", Default: 0},
			"pooled": {Type: "enum:yes|no|inactive", Default: "inactive"},
		},
	}, driver)
	require.NoError(t, err)
	return typ
}

func freeFormType(t *testing.T, driver store.Driver) *Type {
	t.Helper()
	typ, err := NewType("service", Declaration{
		Tags: []string{"cluster"},
		Path: "services",
		Schema: map[string]FieldDecl{
			"default_values": {Type: "dict", Default: map[string]interface{}{"pooled": "no"}},
			"datacenters":    {Type: "list", Default: []interface{}{"eqiad", "codfw"}},
		},
		FreeForm: true,
	}, driver)
	require.NoError(t, err)
	return typ
}

func TestNewTypeRejectsUnknownFieldType(t *testing.T) {
	_, err := NewType("bad", Declaration{
		Tags:   []string{"dc"},
		Path:   "bad",
		Schema: map[string]FieldDecl{"x": {Type: "quux", Default: nil}},
	}, testDriver(t))
	require.Error(t, err)
}

func TestKeyIsDeterministic(t *testing.T) {
	typ := nodeType(t, testDriver(t))
	e1, err := typ.New("eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)
	e2, err := typ.New("eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)

	assert.Equal(t, "pools/eqiad/appservers/apache2/mw1018", e1.Key())
	assert.Equal(t, e1.Key(), e2.Key())
	assert.Equal(t, map[string]string{
		"dc": "eqiad", "cluster": "appservers", "service": "apache2",
	}, e1.Tags())
	assert.Equal(t, "mw1018", e1.Name())
	assert.Equal(t, "eqiad/appservers/apache2/mw1018", e1.Pprint())
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	typ := nodeType(t, testDriver(t))

	e, err := typ.New("eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)
	require.NoError(t, e.SetField("weight", 10))
	require.NoError(t, e.SetField("pooled", "yes"))
	require.NoError(t, e.Write(ctx))

	fetched, err := typ.Get(ctx, "eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)
	assert.True(t, fetched.Exists())
	assert.Equal(t, 10, fetched.Field("weight"))
	assert.Equal(t, "yes", fetched.Field("pooled"))
}

func TestFetchAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	driver := testDriver(t)
	typ := nodeType(t, driver)

	// A key with a missing field and an invalid one.
	require.NoError(t, driver.Write(ctx, "pools/eqiad/appservers/apache2/mw1018",
		map[string]interface{}{"pooled": "maybe"}))

	e, err := typ.Get(ctx, "eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)
	assert.True(t, e.Exists())
	assert.Equal(t, 0, e.Field("weight"))
	assert.Equal(t, "inactive", e.Field("pooled"))
}

func TestFetchMissingKey(t *testing.T) {
	ctx := context.Background()
	typ := nodeType(t, testDriver(t))

	e, err := typ.Get(ctx, "eqiad", "appservers", "apache2", "mw9999")
	require.NoError(t, err)
	assert.False(t, e.Exists())
	assert.Equal(t, 0, e.Field("weight"))
}

func TestFreeFormRoundTrip(t *testing.T) {
	ctx := context.Background()
	driver := testDriver(t)
	typ := freeFormType(t, driver)

	e, err := typ.New("cache", "cdn")
	require.NoError(t, err)
	require.NoError(t, e.SetField("port", 8080))
	require.NoError(t, e.Write(ctx))

	fetched, err := typ.Get(ctx, "cache", "cdn")
	require.NoError(t, err)
	assert.Equal(t, float64(8080), fetched.Field("port"))

	// Strict entities reject unknown fields instead.
	strict := nodeType(t, driver)
	n, err := strict.New("eqiad", "appservers", "apache2", "mw1")
	require.NoError(t, err)
	require.Error(t, n.SetField("port", 8080))
}

func TestUpdateDoesNotResetOtherFields(t *testing.T) {
	ctx := context.Background()
	typ := nodeType(t, testDriver(t))

	e, err := typ.New("eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)
	require.NoError(t, e.SetField("weight", 25))
	require.NoError(t, e.Write(ctx))

	require.NoError(t, e.Update(ctx, map[string]interface{}{"pooled": "yes"}))

	fetched, err := typ.Get(ctx, "eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)
	assert.Equal(t, 25, fetched.Field("weight"))
	assert.Equal(t, "yes", fetched.Field("pooled"))
}

func TestUpdateRejectsInvalidValue(t *testing.T) {
	ctx := context.Background()
	typ := nodeType(t, testDriver(t))

	e, err := typ.New("eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)
	require.NoError(t, e.Write(ctx))

	err = e.Update(ctx, map[string]interface{}{"pooled": "maybe"})
	require.Error(t, err)

	// No partial write happened.
	fetched, err := typ.Get(ctx, "eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)
	assert.Equal(t, "inactive", fetched.Field("pooled"))
}

func TestParseTags(t *testing.T) {
	typ := nodeType(t, testDriver(t))

	tags, err := typ.ParseTags([]string{"cluster=appservers", "dc=eqiad", "service=apache2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"eqiad", "appservers", "apache2"}, tags)

	_, err = typ.ParseTags([]string{"dc=eqiad", "cluster=appservers"})
	require.Error(t, err)

	_, err = typ.ParseTags([]string{"whatever"})
	require.Error(t, err)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	driver := testDriver(t)
	typ := nodeType(t, driver)

	for _, labels := range [][]string{
		{"eqiad", "appservers", "apache2", "mw1018"},
		{"eqiad", "appservers", "apache2", "mw1019"},
		{"eqiad", "api", "apache2", "mw1280"},
		{"codfw", "appservers", "apache2", "mw2018"},
	} {
		e, err := typ.New(labels...)
		require.NoError(t, err)
		require.NoError(t, e.Write(ctx))
	}

	selector, err := ParseSelector(map[string]string{"dc": "eqiad", "name": "mw10.."})
	require.NoError(t, err)
	res, err := typ.Query(ctx, selector)
	require.NoError(t, err)
	require.Len(t, res, 2)

	// absent tags are unconstrained
	selector, err = ParseSelector(map[string]string{"cluster": "appservers"})
	require.NoError(t, err)
	res, err = typ.Query(ctx, selector)
	require.NoError(t, err)
	assert.Len(t, res, 3)

	// anchored: a partial match is no match
	selector, err = ParseSelector(map[string]string{"dc": "eqia"})
	require.NoError(t, err)
	res, err = typ.Query(ctx, selector)
	require.NoError(t, err)
	assert.Empty(t, res)

	// empty store is not an error
	other := nodeType(t, testDriver(t))
	res, err = other.Query(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	driver := testDriver(t)
	typ := nodeType(t, driver)

	for _, labels := range [][]string{
		{"eqiad", "appservers", "apache2", "mw1018"},
		{"eqiad", "api", "apache2", "mw1018"},
		{"eqiad", "api", "apache2", "mw1019"},
	} {
		e, err := typ.New(labels...)
		require.NoError(t, err)
		require.NoError(t, e.Write(ctx))
	}

	res, err := typ.Find(ctx, "mw1018")
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestChanged(t *testing.T) {
	typ := nodeType(t, testDriver(t))
	e, err := typ.New("eqiad", "appservers", "apache2", "mw1018")
	require.NoError(t, err)
	require.NoError(t, e.SetField("weight", 10))

	assert.False(t, e.Changed(map[string]interface{}{"weight": 10}))
	// values that differ only in JSON numeric type compare equal
	assert.False(t, e.Changed(map[string]interface{}{"weight": float64(10)}))
	assert.True(t, e.Changed(map[string]interface{}{"weight": 11}))
	assert.True(t, e.Changed(map[string]interface{}{"pooled": "yes"}))
}

func TestValidateWithJSONSchemaRules(t *testing.T) {
	driver := testDriver(t)
	typ, err := NewType("mwconfig", Declaration{
		Tags:   []string{"scope"},
		Path:   "mwconfig",
		Schema: map[string]FieldDecl{"val": {Type: "any", Default: nil}},
	}, driver)
	require.NoError(t, err)

	rule, err := documentRule(t)
	require.NoError(t, err)
	typ.AddRule(rule)

	e, err := typ.New("eqiad", "conf")
	require.NoError(t, err)
	require.NoError(t, e.Validate(map[string]interface{}{"val": 5}))
	require.Error(t, e.Validate(map[string]interface{}{"val": "five"}))

	// rules not matching the name do not apply
	other, err := typ.New("eqiad", "unrelated")
	require.NoError(t, err)
	require.NoError(t, other.Validate(map[string]interface{}{"val": "five"}))
}
