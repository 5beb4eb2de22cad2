package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confctl/confctl/pkg/config"
)

func memDriver(t *testing.T) *MemoryDriver {
	t.Helper()
	cfg := config.Default()
	cfg.Driver = "memory"
	return NewMemoryDriver(cfg)
}

func TestRegistry(t *testing.T) {
	cfg := config.Default()
	cfg.Driver = "memory"
	d, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, d)

	cfg.Driver = "no-such-driver"
	_, err = New(cfg)
	require.Error(t, err)

	require.Error(t, Register("", nil))
	require.Error(t, Register("memory", nil))
}

func TestReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	d := memDriver(t)

	_, err := d.Read(ctx, "pools/a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Write(ctx, "pools/a", map[string]interface{}{"weight": 10}))
	v, err := d.Read(ctx, "pools/a")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"weight": float64(10)}, v)

	// write merges, new keys win
	require.NoError(t, d.Write(ctx, "pools/a", map[string]interface{}{"pooled": "yes", "weight": 20}))
	v, err = d.Read(ctx, "pools/a")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"weight": float64(20), "pooled": "yes"}, v)

	require.NoError(t, d.Delete(ctx, "pools/a"))
	_, err = d.Read(ctx, "pools/a")
	assert.ErrorIs(t, err, ErrNotFound)
	// delete is idempotent
	require.NoError(t, d.Delete(ctx, "pools/a"))
}

func TestWriteReplacesNestedValuesWholesale(t *testing.T) {
	ctx := context.Background()
	d := memDriver(t)

	require.NoError(t, d.Write(ctx, "dbconfig-instance/eqiad/db1", map[string]interface{}{
		"sections": map[string]interface{}{
			"s1": map[string]interface{}{"pooled": true},
			"s2": map[string]interface{}{"pooled": true},
		},
	}))
	// Dropping s2 from the written value must drop it from the store: the
	// merge is shallow, a top-level key is replaced, not deep-merged.
	require.NoError(t, d.Write(ctx, "dbconfig-instance/eqiad/db1", map[string]interface{}{
		"sections": map[string]interface{}{
			"s1": map[string]interface{}{"pooled": false},
		},
	}))

	v, err := d.Read(ctx, "dbconfig-instance/eqiad/db1")
	require.NoError(t, err)
	sections := v["sections"].(map[string]interface{})
	assert.NotContains(t, sections, "s2")
	assert.Equal(t, false, sections["s1"].(map[string]interface{})["pooled"])
}

func TestLsAndAllKeys(t *testing.T) {
	ctx := context.Background()
	d := memDriver(t)

	require.NoError(t, d.Write(ctx, "pools/eqiad/cache/varnish/cp1008", map[string]interface{}{"weight": 1}))
	require.NoError(t, d.Write(ctx, "pools/eqiad/cache/varnish/cp1009", map[string]interface{}{"weight": 2}))
	require.NoError(t, d.Write(ctx, "pools/codfw/cache/varnish/cp2001", map[string]interface{}{"weight": 3}))

	// direct children: directories have no value
	kvs, err := d.Ls(ctx, "pools", false)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, "codfw", kvs[0].Key)
	assert.Nil(t, kvs[0].Value)

	isDir, err := d.IsDir(ctx, "pools/eqiad")
	require.NoError(t, err)
	assert.True(t, isDir)

	keys, err := d.AllKeys(ctx, "pools")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Contains(t, keys, []string{"eqiad", "cache", "varnish", "cp1008"})

	data, err := d.AllData(ctx, "pools/eqiad")
	require.NoError(t, err)
	assert.Len(t, data, 2)

	found, err := d.FindInPath(ctx, "pools", "cp2001")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, []string{"codfw", "cache", "varnish", "cp2001"}, found[0])

	_, err = d.Ls(ctx, "nothing-here", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	d := memDriver(t)

	require.NoError(t, d.GetLock(ctx, "mwconfig"))
	require.Error(t, d.GetLock(ctx, "mwconfig"))
	require.NoError(t, d.ReleaseLock(ctx, "mwconfig"))
	require.NoError(t, d.GetLock(ctx, "mwconfig"))
}

func TestReadReturnsACopy(t *testing.T) {
	ctx := context.Background()
	d := memDriver(t)

	require.NoError(t, d.Write(ctx, "svc/a", map[string]interface{}{
		"nested": map[string]interface{}{"x": 1},
	}))
	v, err := d.Read(ctx, "svc/a")
	require.NoError(t, err)
	v["nested"].(map[string]interface{})["x"] = 99

	again, err := d.Read(ctx, "svc/a")
	require.NoError(t, err)
	assert.Equal(t, float64(1), again["nested"].(map[string]interface{})["x"])
}
