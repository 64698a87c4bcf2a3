package donefile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sail-build/sail/internal/fspath"
)

func TestContentHashIsOrderIndependent(t *testing.T) {
	a := []InputHash{{Path: "b.ts", Hash: "2"}, {Path: "a.ts", Hash: "1"}}
	b := []InputHash{{Path: "a.ts", Hash: "1"}, {Path: "b.ts", Hash: "2"}}
	assert.Equal(t, ContentHash(a, nil), ContentHash(b, nil))
}

func TestContentHashChangesWithInputs(t *testing.T) {
	a := ContentHash([]InputHash{{Path: "a.ts", Hash: "1"}}, nil)
	b := ContentHash([]InputHash{{Path: "a.ts", Hash: "2"}}, nil)
	assert.NotEqual(t, a, b)
}

func TestContentHashIncludesUpstream(t *testing.T) {
	a := ContentHash(nil, []string{"upstream-1"})
	b := ContentHash(nil, []string{"upstream-2"})
	assert.NotEqual(t, a, b)
}

func TestWriteReadCheckRoundTrip(t *testing.T) {
	dir := fspath.New(t.TempDir())
	expected := ContentHash([]InputHash{{Path: "a.ts", Hash: "1"}}, nil)

	assert.False(t, Check(dir, "pkg#build", expected))

	require.NoError(t, Write(dir, "pkg#build", expected))
	assert.True(t, Check(dir, "pkg#build", expected))

	content, ok, err := Read(dir, "pkg#build")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, expected, content)
}

func TestCheckMissesOnStaleContent(t *testing.T) {
	dir := fspath.New(t.TempDir())
	require.NoError(t, Write(dir, "pkg#build", "old-hash"))
	assert.False(t, Check(dir, "pkg#build", "new-hash"))
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := fspath.New(t.TempDir())
	require.NoError(t, Write(dir, "pkg#build", "hash"))
	require.NoError(t, Remove(dir, "pkg#build"))
	require.NoError(t, Remove(dir, "pkg#build"))
	_, ok, _ := Read(dir, "pkg#build")
	assert.False(t, ok)
}

func TestDifferentTaskIDsUseDifferentFiles(t *testing.T) {
	dir := fspath.New(t.TempDir())
	assert.NotEqual(t, Path(dir, "pkg#build"), Path(dir, "pkg#test"))
}
