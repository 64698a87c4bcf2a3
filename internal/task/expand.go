package task

import (
	"strings"

	"github.com/sail-build/sail/internal/graph"
	"github.com/sail-build/sail/internal/util"
)

// TaskExists answers whether a given package defines (or would define) the
// given task name, used while expanding dependency patterns:
// "^X" / "pkg#X" / "X" references only turn into edges if that task exists.
type TaskExists func(pkgName, taskName string) bool

// TaskLister returns every task name known for a package -- the merged
// per-package task table's keys, not just its package.json script names.
// A package can carry tasks with no script of their own at all: a group
// task (script:false) declared only in the global task table or a
// package's sail.json overlay. "*"/"^*" must reach those too, so callers
// expanding those wildcards use TaskLister instead of reading scripts off
// the package directly.
type TaskLister func(pkgName string) []string

// ExpandPattern resolves one dependsOn/before/after entry for the task
// named taskName in node.Pkg into the set of concrete task IDs it refers
// to. The "^" forms walk only node.StrongDeps: a dev-only upstream package
// never contributes edges. allowStar permits the "^*" form, which is only
// legal in before/after.
func ExpandPattern(node *graph.PackageNode, taskName string, pattern string, exists TaskExists, listTasks TaskLister, allowStar bool) []string {
	switch {
	case pattern == "^*":
		if !allowStar {
			return nil
		}
		var out []string
		for _, dep := range node.StrongDeps {
			for _, depTaskName := range listTasks(dep.Pkg.Name) {
				if exists(dep.Pkg.Name, depTaskName) {
					out = append(out, util.TaskID(dep.Pkg.Name, depTaskName))
				}
			}
		}
		return out

	case pattern == "*":
		var out []string
		for _, depTaskName := range listTasks(node.Pkg.Name) {
			if depTaskName == taskName {
				continue
			}
			if exists(node.Pkg.Name, depTaskName) {
				out = append(out, util.TaskID(node.Pkg.Name, depTaskName))
			}
		}
		return out

	case strings.HasPrefix(pattern, "^"):
		name := pattern[1:]
		var out []string
		for _, dep := range node.StrongDeps {
			if exists(dep.Pkg.Name, name) {
				out = append(out, util.TaskID(dep.Pkg.Name, name))
			}
		}
		return out

	case strings.Contains(pattern, util.TaskDelimiter):
		pkgName, name := util.PackageAndTask(pattern)
		if exists(pkgName, name) {
			return []string{util.TaskID(pkgName, name)}
		}
		return nil

	default:
		if exists(node.Pkg.Name, pattern) {
			return []string{util.TaskID(node.Pkg.Name, pattern)}
		}
		return nil
	}
}
