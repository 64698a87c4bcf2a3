package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sail-build/sail/internal/buildgraph"
	"github.com/sail-build/sail/internal/config"
	"github.com/sail-build/sail/internal/donefile"
	"github.com/sail-build/sail/internal/filehash"
	"github.com/sail-build/sail/internal/fspath"
	"github.com/sail-build/sail/internal/graph"
	"github.com/sail-build/sail/internal/sharedcache"
	"github.com/sail-build/sail/internal/task"
	"github.com/sail-build/sail/internal/workspace"
)

func testSetup(t *testing.T) (fspath.AbsoluteSystemPath, map[string]*graph.PackageNode, *buildgraph.BuildContext) {
	t.Helper()
	dir := t.TempDir()
	pkgDir := fspath.New(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.ts"), []byte("export const a = 1;"), 0644))

	pkg := &workspace.Package{Name: "app", Dir: pkgDir}
	node := &graph.PackageNode{Pkg: pkg}
	nodes := map[string]*graph.PackageNode{"app": node}

	bc := buildgraph.NewBuildContext(filehash.New(), nil, nil, hclog.NewNullLogger(), "")
	return pkgDir, nodes, bc
}

func TestNewRunFuncGroupTaskAlwaysSucceeds(t *testing.T) {
	_, nodes, bc := testSetup(t)
	bg := &buildgraph.BuildGraph{Tasks: map[string]*task.Task{}}
	run := NewRunFunc(bg, nodes, bc)

	grp := task.NewGroup("app", "ci", []string{"app#build"}, config.TaskConfig{})
	state, err := run(context.Background(), grp)
	require.NoError(t, err)
	assert.Equal(t, task.StateSuccess, state)
}

func TestNewRunFuncExecutesLeafAndWritesDonefile(t *testing.T) {
	pkgDir, nodes, bc := testSetup(t)

	lt := task.NewLeaf("app", "build", "touch dist.out", config.TaskConfig{
		Inputs:  []string{"index.ts"},
		Outputs: []string{"dist.out"},
	})
	bg := &buildgraph.BuildGraph{Tasks: map[string]*task.Task{"app#build": lt}}
	run := NewRunFunc(bg, nodes, bc)

	state, err := run(context.Background(), lt)
	require.NoError(t, err)
	assert.Equal(t, task.StateSuccess, state)
	assert.FileExists(t, filepath.Join(pkgDir.String(), "dist.out"))
	_, ok, err := donefile.Read(pkgDir, "app#build")
	require.NoError(t, err)
	assert.True(t, ok, "a successful leaf run writes its donefile")
}

func TestNewRunFuncSecondRunHitsDonefile(t *testing.T) {
	_, nodes, bc := testSetup(t)

	lt := task.NewLeaf("app", "build", "touch dist.out", config.TaskConfig{
		Inputs:  []string{"index.ts"},
		Outputs: []string{"dist.out"},
	})
	bg := &buildgraph.BuildGraph{Tasks: map[string]*task.Task{"app#build": lt}}
	run := NewRunFunc(bg, nodes, bc)

	state, err := run(context.Background(), lt)
	require.NoError(t, err)
	require.Equal(t, task.StateSuccess, state)

	state, err = run(context.Background(), lt)
	require.NoError(t, err)
	assert.Equal(t, task.StateUpToDateLocal, state)
}

// TestNewRunFuncSecondRunHitsDonefileWhenOutputMatchesInputGlob covers the
// rebuild-idempotence trap: the task's output lands inside its own input
// glob, so an un-excluded output would change the input hash between run
// one (output absent) and run two (output present) and the donefile would
// never hit.
func TestNewRunFuncSecondRunHitsDonefileWhenOutputMatchesInputGlob(t *testing.T) {
	_, nodes, bc := testSetup(t)

	lt := task.NewLeaf("app", "build", "cp index.ts out.ts", config.TaskConfig{
		Inputs:  []string{"*.ts"},
		Outputs: []string{"out.ts"},
	})
	bg := &buildgraph.BuildGraph{Tasks: map[string]*task.Task{"app#build": lt}}
	run := NewRunFunc(bg, nodes, bc)

	state, err := run(context.Background(), lt)
	require.NoError(t, err)
	require.Equal(t, task.StateSuccess, state)

	state, err = run(context.Background(), lt)
	require.NoError(t, err)
	assert.Equal(t, task.StateUpToDateLocal, state)
}

func TestNewRunFuncForceSkipsDonefileHit(t *testing.T) {
	_, nodes, bc := testSetup(t)
	bc.Force = true

	lt := task.NewLeaf("app", "build", "touch dist.out", config.TaskConfig{
		Inputs:  []string{"index.ts"},
		Outputs: []string{"dist.out"},
	})
	bg := &buildgraph.BuildGraph{Tasks: map[string]*task.Task{"app#build": lt}}
	run := NewRunFunc(bg, nodes, bc)

	_, err := run(context.Background(), lt)
	require.NoError(t, err)

	state, err := run(context.Background(), lt)
	require.NoError(t, err)
	assert.Equal(t, task.StateSuccess, state, "--force must bypass the donefile hit on every run")
}

func TestNewRunFuncFailingCommandReturnsFailed(t *testing.T) {
	_, nodes, bc := testSetup(t)

	lt := task.NewLeaf("app", "build", "exit 1", config.TaskConfig{})
	bg := &buildgraph.BuildGraph{Tasks: map[string]*task.Task{"app#build": lt}}
	run := NewRunFunc(bg, nodes, bc)

	state, err := run(context.Background(), lt)
	assert.Error(t, err)
	assert.Equal(t, task.StateFailed, state)
}

func TestTaskEnvPairsResolvesDirectAndGlobPatterns(t *testing.T) {
	t.Setenv("SAIL_TEST_DIRECT", "one")
	t.Setenv("SAIL_TEST_GLOB_A", "two")
	t.Setenv("SAIL_TEST_GLOB_B", "three")

	pairs := taskEnvPairs([]string{"SAIL_TEST_DIRECT", "SAIL_TEST_GLOB_*"})
	assert.Contains(t, pairs, sharedcache.EnvPair{Name: "SAIL_TEST_DIRECT", Value: "one"})
	assert.Contains(t, pairs, sharedcache.EnvPair{Name: "SAIL_TEST_GLOB_A", Value: "two"})
	assert.Contains(t, pairs, sharedcache.EnvPair{Name: "SAIL_TEST_GLOB_B", Value: "three"})
}

func TestTaskEnvPairsEmptyForNoPatterns(t *testing.T) {
	assert.Nil(t, taskEnvPairs(nil))
}

func TestBuildCacheKeyChangesWithDeclaredEnv(t *testing.T) {
	_, _, bc := testSetup(t)
	lt := task.NewLeaf("app", "build", "true", config.TaskConfig{Env: []string{"SAIL_TEST_KEY_VAR"}})

	t.Setenv("SAIL_TEST_KEY_VAR", "v1")
	k1 := buildCacheKey(bc, lt, nil, nil).Hex()
	t.Setenv("SAIL_TEST_KEY_VAR", "v2")
	k2 := buildCacheKey(bc, lt, nil, nil).Hex()
	assert.NotEqual(t, k1, k2, "a declared env var's value must participate in the cache key")
}

func TestNewRunFuncUnknownPackageFails(t *testing.T) {
	_, _, bc := testSetup(t)
	lt := task.NewLeaf("ghost", "build", "true", config.TaskConfig{})
	bg := &buildgraph.BuildGraph{Tasks: map[string]*task.Task{"ghost#build": lt}}
	run := NewRunFunc(bg, map[string]*graph.PackageNode{}, bc)

	state, err := run(context.Background(), lt)
	assert.Error(t, err)
	assert.Equal(t, task.StateFailed, state)
}
