package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSaveLoadResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config")
	cfg := &Config{}
	require.NoError(t, cfg.SetContext("local", &Context{Server: "localhost:50051", TimeoutSeconds: 30}))
	require.NoError(t, cfg.SetContext("prod", &Context{Server: "devbox.example:443", TLS: true, PollIntervalMillis: 500, Compression: "zstd"}))
	assert.Equal(t, "local", cfg.CurrentContext)
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "prod"}, loaded.Names())

	ctx, name, err := loaded.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "local", name)
	assert.Equal(t, 30*time.Second, ctx.Timeout())
	assert.Zero(t, ctx.PollInterval())

	ctx, _, err = loaded.Resolve("prod")
	require.NoError(t, err)
	assert.True(t, ctx.TLS)
	assert.Equal(t, 500*time.Millisecond, ctx.PollInterval())

	_, _, err = loaded.Resolve("staging")
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestUseContext(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.SetContext("a", &Context{Server: "a:1"}))
	require.NoError(t, cfg.SetContext("b", &Context{Server: "b:1"}))
	require.NoError(t, cfg.UseContext("b"))
	assert.Equal(t, "b", cfg.CurrentContext)
	assert.ErrorIs(t, cfg.UseContext("c"), ErrContextNotFound)
}

func TestLoadRejectsBadContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	data := "currentContext: x\ncontexts:\n  x:\n    server: h:1\n    compression: lz4\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestDefaultConfigPathHonoursHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)
	assert.Equal(t, filepath.Join(dir, "config"), DefaultConfigPath())
}
