package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(0x08804000), cfg.Loader.DefaultLoadAddress)
	assert.Nil(t, cfg.Loader.Blacklist)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil, "empty.hcl")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseOverrides(t *testing.T) {
	src := `
memory {
  user_base = "0x08900000"
  user_size = "0x00100000"
}

loader {
  default_load_address = "0x08900000"
  blacklist            = ["libfoo", "libbar"]
}

start {
  priority = "32"
}
`
	cfg, err := Parse([]byte(src), "loader.hcl")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08000000), cfg.Memory.Base)
	assert.Equal(t, uint32(0x08900000), cfg.Memory.UserBase)
	assert.Equal(t, uint32(0x00100000), cfg.Memory.UserSize)
	assert.Equal(t, uint32(0x08900000), cfg.Loader.DefaultLoadAddress)
	assert.Equal(t, []string{"libfoo", "libbar"}, cfg.Loader.Blacklist)
	assert.Equal(t, uint32(32), cfg.Start.Priority)
	assert.Equal(t, uint32(0x40000), cfg.Start.StackSize)
}

func TestParseEmptyBlacklist(t *testing.T) {
	cfg, err := Parse([]byte("loader {\n  blacklist = []\n}\n"), "loader.hcl")
	require.NoError(t, err)
	assert.Empty(t, cfg.Loader.Blacklist)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("memory {"), "broken.hcl")
	require.Error(t, err)

	_, err = Parse([]byte("unknown {}\n"), "unknown.hcl")
	require.Error(t, err)

	_, err = Parse([]byte("start {\n  priority = \"high\"\n}\n"), "bad.hcl")
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte("memory {\n  user_base = \"0x04000000\"\n}\n"), "outside.hcl")
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte("loader {\n  default_load_address = \"0x08100000\"\n}\n"), "load.hcl")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prx.hcl")
	require.NoError(t, os.WriteFile(path, []byte("start {\n  stack_size = \"0x1000\"\n}\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1000), cfg.Start.StackSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.hcl"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
