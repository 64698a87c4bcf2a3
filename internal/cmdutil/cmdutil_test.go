package cmdutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFlagsRegistersCwdAndVerbose(t *testing.T) {
	h := NewHelper("test")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	h.AddFlags(flags)

	require.NoError(t, flags.Parse([]string{"--cwd", "/tmp/somewhere", "-v"}))
	assert.Equal(t, "/tmp/somewhere", h.rawRepoRoot)
	assert.True(t, h.verbose)
}

func TestGetCmdBaseLoadsConfigAndCatalog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sail.json"), []byte(`{
		"version": 1,
		"tasks": {"build": {"outputs": ["dist/**"]}},
		"workspaces": ["packages/*"]
	}`), 0644))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "packages", "core"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "packages", "core", "package.json"), []byte(`{"name":"core","scripts":{"build":"tsc"}}`), 0644))

	h := NewHelper("test")
	h.rawRepoRoot = dir

	base, err := h.GetCmdBase()
	require.NoError(t, err)
	assert.Equal(t, 1, base.Config.Version)
	assert.Contains(t, base.Catalog.Packages, "core")
	assert.NotNil(t, base.Logger)
}

func TestGetCmdBaseFailsWhenConfigMissing(t *testing.T) {
	dir := t.TempDir()
	h := NewHelper("test")
	h.rawRepoRoot = dir

	_, err := h.GetCmdBase()
	assert.Error(t, err)
}

func TestRepoRootMakesAbsolute(t *testing.T) {
	h := NewHelper("test")
	h.rawRepoRoot = "."
	root, err := h.repoRoot()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(root.String()))
}
