package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/store"
)

func testEnv(t *testing.T) (config.Config, store.Driver) {
	t.Helper()
	cfg := config.Default()
	cfg.Driver = "memory"
	return cfg, store.NewMemoryDriver(cfg)
}

func TestNewHasBuiltins(t *testing.T) {
	cfg, driver := testEnv(t)
	s := New(cfg, driver)

	assert.False(t, s.HasErrors)
	node, err := s.Get("node")
	require.NoError(t, err)
	assert.Equal(t, []string{"dc", "cluster", "service"}, node.Tags)
	assert.Equal(t, "pools", node.BasePath())

	svc, err := s.Get("service")
	require.NoError(t, err)
	assert.True(t, svc.FreeForm)
	assert.True(t, svc.Static)

	_, err = s.Get("nonexistent")
	require.Error(t, err)
}

func TestFromFileMissing(t *testing.T) {
	cfg, driver := testEnv(t)
	s := FromFile(cfg, driver, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.False(t, s.HasErrors)
	assert.Len(t, s.Entities, 2)
}

func TestFromFileLoadsEntities(t *testing.T) {
	cfg, driver := testEnv(t)
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
discovery:
  path: discovery
  tags: [dnsdisc]
  schema:
    pooled:
      type: bool
      default: false
    ttl:
      type: int
      default: 300
  depends: [node]
`), 0o644))

	s := FromFile(cfg, driver, path)
	assert.False(t, s.HasErrors)
	disc, err := s.Get("discovery")
	require.NoError(t, err)
	assert.Equal(t, []string{"dnsdisc"}, disc.Tags)
	assert.Equal(t, []string{"node"}, disc.Depends)
}

func TestFromFileBrokenYAML(t *testing.T) {
	cfg, driver := testEnv(t)
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	s := FromFile(cfg, driver, path)
	assert.True(t, s.HasErrors)
	// built-ins survive
	assert.Len(t, s.Entities, 2)
}

func TestFromFileBadEntryIsIsolated(t *testing.T) {
	cfg, driver := testEnv(t)
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
good:
  path: good
  tags: [a]
  schema:
    x:
      type: string
      default: ""
bad:
  path: bad
  tags: [a]
  schema:
    x:
      type: not-a-type
      default: ""
`), 0o644))

	s := FromFile(cfg, driver, path)
	assert.True(t, s.HasErrors)
	_, err := s.Get("good")
	require.NoError(t, err)
	_, err = s.Get("bad")
	require.Error(t, err)
}

func TestFromFileMinVersion(t *testing.T) {
	cfg, driver := testEnv(t)
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_version: \"99.0.0\"\n"), 0o644))

	s := FromFile(cfg, driver, path)
	assert.True(t, s.HasErrors)
}
