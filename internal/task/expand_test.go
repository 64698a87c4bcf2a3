package task

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sail-build/sail/internal/fspath"
	"github.com/sail-build/sail/internal/graph"
	"github.com/sail-build/sail/internal/workspace"
)

func existsFromTable(table map[string]map[string]bool) TaskExists {
	return func(pkgName, taskName string) bool {
		return table[pkgName][taskName]
	}
}

// listTasksFromTable mirrors buildgraph's listTasks closure: the candidate
// names for "*"/"^*" come from the same table existsFromTable reads, not
// from a package's script map, so a group-only task (no script) is still a
// wildcard candidate as long as it's present in the table.
func listTasksFromTable(table map[string]map[string]bool) TaskLister {
	return func(pkgName string) []string {
		names := make([]string, 0, len(table[pkgName]))
		for name := range table[pkgName] {
			names = append(names, name)
		}
		return names
	}
}

func buildNodes() (*graph.PackageNode, *graph.PackageNode) {
	root := fspath.New("/repo")
	corePkg := &workspace.Package{Name: "core", Dir: root.Join("core"), Scripts: map[string]string{"build": "tsc"}}
	appPkg := &workspace.Package{Name: "app", Dir: root.Join("app"), Scripts: map[string]string{"build": "tsc", "test": "jest"}}
	coreNode := &graph.PackageNode{Pkg: corePkg}
	appNode := &graph.PackageNode{
		Pkg:        appPkg,
		Deps:       []*graph.PackageNode{coreNode},
		StrongDeps: []*graph.PackageNode{coreNode},
	}
	return coreNode, appNode
}

func TestExpandPatternCaretStarExpandsToEveryUpstreamTask(t *testing.T) {
	_, app := buildNodes()
	table := map[string]map[string]bool{"core": {"build": true}}
	got := ExpandPattern(app, "test", "^*", existsFromTable(table), listTasksFromTable(table), true)
	assert.Equal(t, []string{"core#build"}, got)
}

func TestExpandPatternCaretStarIncludesGroupTaskWithNoScript(t *testing.T) {
	_, app := buildNodes()
	// "lint" is a group task known to the merged task table (e.g. declared
	// globally with script:false) but has no package.json script in core's
	// Scripts map, so it must still surface via listTasks, not core.Scripts.
	table := map[string]map[string]bool{"core": {"build": true, "lint": true}}
	got := ExpandPattern(app, "test", "^*", existsFromTable(table), listTasksFromTable(table), true)
	assert.ElementsMatch(t, []string{"core#build", "core#lint"}, got)
}

func TestExpandPatternCaretStarRejectedWithoutAllowStar(t *testing.T) {
	_, app := buildNodes()
	table := map[string]map[string]bool{"core": {"build": true}}
	got := ExpandPattern(app, "test", "^*", existsFromTable(table), listTasksFromTable(table), false)
	assert.Nil(t, got)
}

func TestExpandPatternStarExcludesSelf(t *testing.T) {
	_, app := buildNodes()
	table := map[string]map[string]bool{"app": {"build": true, "test": true}}
	got := ExpandPattern(app, "test", "*", existsFromTable(table), listTasksFromTable(table), true)
	assert.Equal(t, []string{"app#build"}, got)
}

func TestExpandPatternStarIncludesGroupTaskWithNoScript(t *testing.T) {
	_, app := buildNodes()
	// "ci" is a group task for app with no package.json script at all.
	table := map[string]map[string]bool{"app": {"build": true, "test": true, "ci": true}}
	got := ExpandPattern(app, "test", "*", existsFromTable(table), listTasksFromTable(table), true)
	assert.ElementsMatch(t, []string{"app#build", "app#ci"}, got)
}

func TestExpandPatternCaretIgnoresWeakOnlyUpstream(t *testing.T) {
	root := fspath.New("/repo")
	toolsPkg := &workspace.Package{Name: "tools", Dir: root.Join("tools"), Scripts: map[string]string{"build": "tsc"}}
	appPkg := &workspace.Package{Name: "app", Dir: root.Join("app"), Scripts: map[string]string{"test": "jest"}}
	toolsNode := &graph.PackageNode{Pkg: toolsPkg}
	// tools is a dev-only dependency: present in Deps (levels) but not in
	// StrongDeps, so neither "^build" nor "^*" may reach it.
	appNode := &graph.PackageNode{Pkg: appPkg, Deps: []*graph.PackageNode{toolsNode}}

	table := map[string]map[string]bool{"tools": {"build": true}}
	assert.Nil(t, ExpandPattern(appNode, "test", "^build", existsFromTable(table), listTasksFromTable(table), true))
	assert.Nil(t, ExpandPattern(appNode, "test", "^*", existsFromTable(table), listTasksFromTable(table), true))
}

func TestExpandPatternCaretPrefixScansUpstreamPackages(t *testing.T) {
	_, app := buildNodes()
	table := map[string]map[string]bool{"core": {"build": true}}
	got := ExpandPattern(app, "test", "^build", existsFromTable(table), listTasksFromTable(table), true)
	assert.Equal(t, []string{"core#build"}, got)
}

func TestExpandPatternCaretPrefixSkipsMissingUpstreamTask(t *testing.T) {
	_, app := buildNodes()
	table := map[string]map[string]bool{"core": {}}
	got := ExpandPattern(app, "test", "^lint", existsFromTable(table), listTasksFromTable(table), true)
	assert.Nil(t, got)
}

func TestExpandPatternExplicitPackageTask(t *testing.T) {
	_, app := buildNodes()
	table := map[string]map[string]bool{"core": {"build": true}}
	got := ExpandPattern(app, "test", "core#build", existsFromTable(table), listTasksFromTable(table), true)
	assert.Equal(t, []string{"core#build"}, got)
}

func TestExpandPatternExplicitPackageTaskMissingIsNil(t *testing.T) {
	_, app := buildNodes()
	table := map[string]map[string]bool{"core": {}}
	got := ExpandPattern(app, "test", "core#lint", existsFromTable(table), listTasksFromTable(table), true)
	assert.Nil(t, got)
}

func TestExpandPatternBareNameResolvesWithinSamePackage(t *testing.T) {
	_, app := buildNodes()
	table := map[string]map[string]bool{"app": {"build": true}}
	got := ExpandPattern(app, "test", "build", existsFromTable(table), listTasksFromTable(table), true)
	assert.Equal(t, []string{"app#build"}, got)
}
