package filehash

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sail-build/sail/internal/fspath"
)

func writeFile(t *testing.T, dir, rel, contents string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0644))
}

func TestHashFileIsStable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.ts", "export const a = 1;")

	c := New()
	p := fspath.New(filepath.Join(dir, "a.ts"))
	h1, err := c.HashFile(p)
	require.NoError(t, err)
	h2, err := c.HashFile(p)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashFileChangesWhenContentChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.ts", "export const a = 1;")

	c := New()
	p := fspath.New(filepath.Join(dir, "a.ts"))
	h1, err := c.HashFile(p)
	require.NoError(t, err)

	// The cache is keyed by size and mtime, and a rewrite within the same
	// millisecond keeps the mtime, so the new content differs in size.
	writeFile(t, dir, "a.ts", "export const a = 22;")
	h2, err := c.HashFile(p)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestExpandGlobsExcludesNodeModulesAndGit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/index.ts", "1")
	writeFile(t, dir, "node_modules/dep/index.js", "2")
	writeFile(t, dir, ".git/HEAD", "3")

	matches, err := ExpandGlobs(fspath.New(dir), []string{"src/*.ts", "node_modules/*/*.js", ".git/*"})
	require.NoError(t, err)
	assert.Contains(t, matches, "src/index.ts")
	for _, m := range matches {
		assert.NotContains(t, m, "node_modules")
		assert.NotContains(t, m, ".git")
	}
}

func TestExpandGlobsHonorsExcludePattern(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/index.ts", "1")
	writeFile(t, dir, "src/index.test.ts", "2")

	matches, err := ExpandGlobs(fspath.New(dir), []string{"src/*.ts", "!src/*.test.ts"})
	require.NoError(t, err)
	assert.Contains(t, matches, "src/index.ts")
	assert.NotContains(t, matches, "src/index.test.ts")
}

func TestExpandGlobsNoIncludesIsEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/index.ts", "1")

	matches, err := ExpandGlobs(fspath.New(dir), nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHashFilesConcurrent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.ts", "1")
	writeFile(t, dir, "b.ts", "2")

	c := New()
	hashes, err := c.HashFiles(context.Background(), fspath.New(dir), []string{"*.ts"}, 2)
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
	assert.NotEqual(t, hashes["a.ts"], hashes["b.ts"])
}
