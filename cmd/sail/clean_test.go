package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sail-build/sail/internal/cmdutil"
)

func setupCleanWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sail.json"), []byte(`{
		"version": 1,
		"tasks": {"build": {"outputs": ["dist/**"]}}
	}`), 0644))

	pkgDir := filepath.Join(dir, "packages", "core")
	require.NoError(t, os.MkdirAll(filepath.Join(pkgDir, "dist"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "package.json"), []byte(`{"name":"core","scripts":{"build":"tsc"}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "dist", "out.js"), []byte("x"), 0644))
	return dir
}

func TestRunCleanRemovesDeclaredOutputs(t *testing.T) {
	dir := setupCleanWorkspace(t)
	h := newTestHelper(dir)

	err := runClean(h, false)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "packages", "core", "dist", "out.js"))
}

func TestRunCleanAllSweepsOrphanedDonefiles(t *testing.T) {
	dir := setupCleanWorkspace(t)
	pkgDir := filepath.Join(dir, "packages", "core")
	orphan := filepath.Join(pkgDir, "deadbeef"+donefileSuffix)
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0644))

	h := newTestHelper(dir)
	err := runClean(h, true)
	require.NoError(t, err)
	assert.NoFileExists(t, orphan)
}

func TestRunCleanWithoutAllLeavesOrphanedDonefiles(t *testing.T) {
	dir := setupCleanWorkspace(t)
	pkgDir := filepath.Join(dir, "packages", "core")
	orphan := filepath.Join(pkgDir, "deadbeef"+donefileSuffix)
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0644))

	h := newTestHelper(dir)
	err := runClean(h, false)
	require.NoError(t, err)
	assert.FileExists(t, orphan)
}

func newTestHelper(dir string) *cmdutil.Helper {
	h := cmdutil.NewHelper("test")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	h.AddFlags(flags)
	_ = flags.Parse([]string{"--cwd", dir})
	return h
}
