package sharedcache

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sail-build/sail/internal/fspath"
)

func newTestCache(t *testing.T, high, low int64) *Cache {
	t.Helper()
	dir := fspath.New(t.TempDir())
	return New(dir, high, low, hclog.NewNullLogger())
}

func writeSource(t *testing.T, contents string) (fspath.AbsoluteSystemPath, string) {
	t.Helper()
	dir := fspath.New(t.TempDir())
	p := dir.Join("out.txt")
	require.NoError(t, p.WriteFile([]byte(contents), 0644))
	return p, contents
}

func TestStoreLookupRestoreRoundTrip(t *testing.T) {
	c := newTestCache(t, 0, 0)
	src, contents := writeSource(t, "hello world")
	info, err := src.Stat()
	require.NoError(t, err)

	key := "deadbeef"
	c.Store(key, []StoreInput{{
		RelPath: "out.txt",
		AbsPath: src,
		Sha256:  "sha-of-hello",
		Size:    int64(len(contents)),
		MtimeMs: info.ModTime().UnixMilli(),
		Mode:    0644,
	}}, 42)

	m, ok := c.Lookup(key)
	require.True(t, ok)
	require.Len(t, m.OutputFiles, 1)
	assert.Equal(t, "out.txt", m.OutputFiles[0].RelPath)

	destDir := fspath.New(t.TempDir())
	require.NoError(t, c.Restore(key, m, destDir))

	restored, err := destDir.Join("out.txt").ReadFile()
	require.NoError(t, err)
	assert.Equal(t, contents, string(restored))
}

func TestLookupManifestRecordsEveryStoredFile(t *testing.T) {
	c := newTestCache(t, 0, 0)
	srcA, contentsA := writeSource(t, "alpha")
	srcB, contentsB := writeSource(t, "beta")

	key := "multi"
	c.Store(key, []StoreInput{
		{RelPath: "dist/b.js", AbsPath: srcB, Sha256: "sha-b", Size: int64(len(contentsB)), MtimeMs: 2000, Mode: 0644},
		{RelPath: "dist/a.js", AbsPath: srcA, Sha256: "sha-a", Size: int64(len(contentsA)), MtimeMs: 1000, Mode: 0644},
	}, 7)

	m, ok := c.Lookup(key)
	require.True(t, ok)

	want := []OutputFile{
		{RelPath: "dist/a.js", Sha256: "sha-a", Size: int64(len(contentsA)), MtimeMs: 1000, Mode: 0644},
		{RelPath: "dist/b.js", Sha256: "sha-b", Size: int64(len(contentsB)), MtimeMs: 2000, Mode: 0644},
	}
	if diff := cmp.Diff(want, m.OutputFiles); diff != "" {
		t.Fatalf("manifest outputFiles mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(7), m.TimeCostMs)
	assert.Equal(t, SchemaVersion, m.SchemaVersion)
}

func TestLookupMissOnUnknownKey(t *testing.T) {
	c := newTestCache(t, 0, 0)
	_, ok := c.Lookup("does-not-exist")
	assert.False(t, ok)
}

func TestLookupTreatsCorruptManifestAsMiss(t *testing.T) {
	c := newTestCache(t, 0, 0)
	key := "corrupt"
	require.NoError(t, c.manifestPath(key).Dir().MkdirAll(fspath.DirPermissions))
	require.NoError(t, c.manifestPath(key).WriteFile([]byte("not json"), 0644))

	_, ok := c.Lookup(key)
	assert.False(t, ok)
}

func TestLookupTreatsMissingContentFileAsMiss(t *testing.T) {
	c := newTestCache(t, 0, 0)
	src, contents := writeSource(t, "data")
	info, err := src.Stat()
	require.NoError(t, err)
	key := "partial"
	c.Store(key, []StoreInput{{
		RelPath: "out.txt", AbsPath: src, Sha256: "abc123",
		Size: int64(len(contents)), MtimeMs: info.ModTime().UnixMilli(), Mode: 0644,
	}}, 1)

	require.NoError(t, c.contentPath("abc123").Remove())

	_, ok := c.Lookup(key)
	assert.False(t, ok)
}

func TestRestoreResetsModTime(t *testing.T) {
	c := newTestCache(t, 0, 0)
	src, contents := writeSource(t, "timestamped")
	wantMtime := time.Now().Add(-48 * time.Hour).UnixMilli()

	key := "ts"
	c.Store(key, []StoreInput{{
		RelPath: "out.txt", AbsPath: src, Sha256: "ts-sha",
		Size: int64(len(contents)), MtimeMs: wantMtime, Mode: 0644,
	}}, 1)

	m, ok := c.Lookup(key)
	require.True(t, ok)

	destDir := fspath.New(t.TempDir())
	require.NoError(t, c.Restore(key, m, destDir))

	info, err := destDir.Join("out.txt").Stat()
	require.NoError(t, err)
	assert.Equal(t, wantMtime, info.ModTime().UnixMilli())
}

func TestCacheKeyHexStableUnderFieldReordering(t *testing.T) {
	k1 := CacheKey{
		PackageName: "app", TaskName: "build",
		InputHashes: []InputHash{{RepoRelativePath: "b.ts", Sha256: "2"}, {RepoRelativePath: "a.ts", Sha256: "1"}},
	}
	k2 := CacheKey{
		PackageName: "app", TaskName: "build",
		InputHashes: []InputHash{{RepoRelativePath: "a.ts", Sha256: "1"}, {RepoRelativePath: "b.ts", Sha256: "2"}},
	}
	assert.Equal(t, k1.Hex(), k2.Hex())
}

func TestCacheKeyHexChangesWithCommand(t *testing.T) {
	k1 := CacheKey{PackageName: "app", TaskName: "build", Command: "tsc -p ."}
	k2 := CacheKey{PackageName: "app", TaskName: "build", Command: "tsc --build"}
	assert.NotEqual(t, k1.Hex(), k2.Hex())
}

func TestPruneRespectsMinPruneAgeGate(t *testing.T) {
	c := newTestCache(t, 0, 0)
	src, contents := writeSource(t, "young")
	info, err := src.Stat()
	require.NoError(t, err)

	key := "young-entry"
	require.NoError(t, c.store(key, []StoreInput{{
		RelPath: "out.txt", AbsPath: src, Sha256: "young-sha",
		Size: int64(len(contents)), MtimeMs: info.ModTime().UnixMilli(), Mode: 0644,
	}}, 1))

	c.LowWaterMarkBytes = 0 // force every entry to look over-budget
	require.NoError(t, c.prune())

	_, ok := c.Lookup(key)
	assert.True(t, ok, "a fresh entry must survive prune because of the min-prune-age gate")
}

func TestPruneEvictsOldEntriesPastMinAge(t *testing.T) {
	c := newTestCache(t, 0, 0)
	c.MinPruneAge = 0
	src, contents := writeSource(t, "old")
	info, err := src.Stat()
	require.NoError(t, err)

	key := "old-entry"
	require.NoError(t, c.store(key, []StoreInput{{
		RelPath: "out.txt", AbsPath: src, Sha256: "old-sha",
		Size: int64(len(contents)), MtimeMs: info.ModTime().UnixMilli(), Mode: 0644,
	}}, 1))

	c.LowWaterMarkBytes = 0
	require.NoError(t, c.prune())

	_, ok := c.Lookup(key)
	assert.False(t, ok)
}

func TestHostnameNeverEmpty(t *testing.T) {
	assert.NotEmpty(t, hostname())
	_ = os.Getpid()
}
