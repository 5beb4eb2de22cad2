package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRC(t *testing.T) {
	dir := t.TempDir()
	rcfile := filepath.Join(dir, "etcdrc")
	require.NoError(t, os.WriteFile(rcfile, []byte(
		"host: etcd.example.org\nport: 4001\nprotocol: https\nusername: conftool\n"), 0o644))

	conf := loadRC(rcfile)
	assert.Equal(t, "etcd.example.org", conf.Host)
	assert.Equal(t, 4001, conf.Port)
	assert.Equal(t, "https", conf.Protocol)
	assert.Equal(t, "conftool", conf.Username)
}

func TestLoadRCSkipsMissingAndBroken(t *testing.T) {
	dir := t.TempDir()

	// missing file: defaults untouched
	conf := loadRC(filepath.Join(dir, "does-not-exist"))
	assert.Equal(t, "", conf.Host)

	// unparseable file: skipped, not fatal
	broken := filepath.Join(dir, "broken")
	require.NoError(t, os.WriteFile(broken, []byte("{{nope"), 0o644))
	conf = loadRC(broken)
	assert.Equal(t, "", conf.Host)
}
