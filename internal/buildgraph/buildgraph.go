// Package buildgraph composes the package dependency resolver, the task
// model, and the merged task configuration into one scheduled build graph
// rooted at a user-requested set of task names.
package buildgraph

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/pyr-sh/dag"
	"github.com/sail-build/sail/internal/config"
	"github.com/sail-build/sail/internal/graph"
	"github.com/sail-build/sail/internal/task"
	"github.com/sail-build/sail/internal/util"
	"github.com/sail-build/sail/internal/workspace"
)

// rootNodeName is a sentinel vertex every dependency-free task connects to,
// so the graph has a single well-defined root.
const rootNodeName = "___ROOT___"

// BuildGraph owns all tasks for one build invocation and the DAG linking
// them.
type BuildGraph struct {
	Tasks map[string]*task.Task
	Graph *dag.AcyclicGraph
	Roots []string
}

// Options controls graph construction.
type Options struct {
	// Packages restricts which packages may be entry points; nil means all.
	Packages []string
	// TaskNames are the requested task names, crossed with Packages to form
	// root entry points.
	TaskNames []string
	// TasksOnly restricts dependency expansion to only the requested task
	// names.
	TasksOnly bool
	// Concurrency is forwarded only for the persistent-task validation.
	Concurrency int
}

// Build resolves packages (delegating to graph.Resolve), merges global and
// per-package task configs, expands dependency patterns, and produces a
// BuildGraph rooted at the requested tasks.
func Build(cat *workspace.Catalog, nodes map[string]*graph.PackageNode, globalTasks map[string]config.TaskConfig, opts Options) (*BuildGraph, error) {
	pkgs := opts.Packages
	if len(pkgs) == 0 {
		for name := range cat.Packages {
			pkgs = append(pkgs, name)
		}
	}
	sort.Strings(pkgs)

	taskTable, err := mergeTaskTable(cat, globalTasks)
	if err != nil {
		return nil, err
	}

	bg := &BuildGraph{
		Tasks: map[string]*task.Task{},
		Graph: &dag.AcyclicGraph{},
	}

	exists := func(pkgName, taskName string) bool {
		_, ok := taskTable[pkgName][taskName]
		return ok
	}
	listTasks := func(pkgName string) []string {
		names := make([]string, 0, len(taskTable[pkgName]))
		for name := range taskTable[pkgName] {
			names = append(names, name)
		}
		return names
	}

	var traversal []string
	missing := util.SetFromStrings(opts.TaskNames)
	for _, pkgName := range pkgs {
		for _, taskName := range opts.TaskNames {
			if _, ok := taskTable[pkgName][taskName]; ok {
				missing.Delete(taskName)
				taskID := util.TaskID(pkgName, taskName)
				traversal = append(traversal, taskID)
				bg.Roots = append(bg.Roots, taskID)
			}
		}
	}
	if missing.Len() > 0 {
		return nil, fmt.Errorf("could not find the following tasks in any in-scope package: %s", missing.UnsafeListOfStrings())
	}

	visited := util.Set{}
	for len(traversal) > 0 {
		taskID := traversal[0]
		traversal = traversal[1:]
		if visited.Includes(taskID) {
			continue
		}
		visited.Add(taskID)

		pkgName, taskName := util.PackageAndTask(taskID)
		node, ok := nodes[pkgName]
		if !ok {
			return nil, fmt.Errorf("package %q referenced by task %q not found", pkgName, taskID)
		}
		cfg := taskTable[pkgName][taskName]

		t := bg.Tasks[taskID]
		if t == nil {
			if len(cfg.Children) > 0 || !cfg.IsScript() {
				childIDs := make([]string, 0, len(cfg.Children))
				for _, child := range cfg.Children {
					if exists(pkgName, child) {
						childIDs = append(childIDs, util.TaskID(pkgName, child))
					}
				}
				t = task.NewGroup(pkgName, taskName, childIDs, cfg)
			} else {
				t = task.NewLeaf(pkgName, taskName, node.Pkg.Scripts[taskName], cfg)
			}
			bg.Tasks[taskID] = t
		}

		var strongDeps []string
		for _, pattern := range cfg.DependsOn {
			strongDeps = append(strongDeps, task.ExpandPattern(node, taskName, pattern, exists, listTasks, false)...)
		}
		if opts.TasksOnly {
			// --only: the requested tasks run, their dependencies don't get
			// pulled into the schedule.
			filtered := strongDeps[:0]
			for _, dep := range strongDeps {
				_, depTaskName := util.PackageAndTask(dep)
				for _, want := range opts.TaskNames {
					if depTaskName == want {
						filtered = append(filtered, dep)
						break
					}
				}
			}
			strongDeps = filtered
		}
		// Group-task children are themselves strong dependencies: the group
		// can't be "done" until every child is.
		for _, child := range cfg.Children {
			if exists(pkgName, child) {
				strongDeps = append(strongDeps, util.TaskID(pkgName, child))
			}
		}
		t.StrongDeps = dedupe(strongDeps)

		bg.Graph.Add(taskID)
		if len(t.StrongDeps) == 0 {
			bg.Graph.Add(rootNodeName)
			bg.Graph.Connect(dag.BasicEdge(taskID, rootNodeName))
		}
		for _, dep := range t.StrongDeps {
			bg.Graph.Add(dep)
			bg.Graph.Connect(dag.BasicEdge(taskID, dep))
			traversal = append(traversal, dep)
		}
	}

	// Only cycles and self-edges are rejected: a build of several
	// independent requested tasks has more than one root, which dag's
	// Validate would also reject.
	if cycles := bg.Graph.Cycles(); len(cycles) > 0 {
		return nil, errors.Errorf("task dependency cycle: %v", cycles[0])
	}
	for _, e := range bg.Graph.Edges() {
		if e.Source() == e.Target() {
			return nil, errors.Errorf("task dependency cycle: %v depends on itself", e.Source())
		}
	}

	if err := bindWeakEdges(bg, nodes, taskTable); err != nil {
		return nil, err
	}

	if err := validatePersistent(bg, opts.Concurrency); err != nil {
		return nil, err
	}

	return bg, nil
}

// mergeTaskTable produces, for every package, the map of task name to its
// fully merged TaskConfig: global task table overlaid by the package's own
// sail.json, plus an implicit default entry for every package.json script
// that has no explicit config at all. Tasks that end up non-script with no
// children are dropped silently.
func mergeTaskTable(cat *workspace.Catalog, globalTasks map[string]config.TaskConfig) (map[string]map[string]config.TaskConfig, error) {
	table := make(map[string]map[string]config.TaskConfig, len(cat.Packages))

	for name, pkg := range cat.Packages {
		overlay, err := config.LoadOverlay(pkg.Dir.Join("sail.json"))
		if err != nil {
			return nil, errors.Wrapf(err, "package %q", name)
		}

		perPkg := map[string]config.TaskConfig{}

		candidateNames := util.Set{}
		for scriptName := range pkg.Scripts {
			candidateNames.Add(scriptName)
		}
		for taskName, cfg := range globalTasks {
			if !cfg.IsScript() {
				// Group tasks defined globally apply to every package.
				candidateNames.Add(taskName)
			}
		}
		for taskName := range overlay {
			candidateNames.Add(taskName)
		}

		for _, taskNameIface := range candidateNames.UnsafeListOfStrings() {
			taskName := taskNameIface
			base := globalTasks[taskName]
			var overlayPtr *config.TaskConfig
			if o, ok := overlay[taskName]; ok {
				o := o
				overlayPtr = &o
			}
			merged := config.MergeTaskDefinitions(base, overlayPtr)

			_, hasScript := pkg.Scripts[taskName]
			if merged.IsScript() && !hasScript && len(merged.Children) == 0 {
				continue // degenerate for this package: silently dropped
			}
			perPkg[taskName] = merged
		}

		table[name] = perPkg
	}
	return table, nil
}

// bindWeakEdges materializes before/after hints, but only between tasks
// that both ended up in the scheduled set.
func bindWeakEdges(bg *BuildGraph, nodes map[string]*graph.PackageNode, taskTable map[string]map[string]config.TaskConfig) error {
	exists := func(pkgName, taskName string) bool {
		id := util.TaskID(pkgName, taskName)
		_, ok := bg.Tasks[id]
		return ok
	}
	// before/after's "^*" and "*" forms must see every task the merged
	// task table knows about for a package, including group tasks with no
	// package.json script of their own, not just the tasks that happened
	// to get scheduled -- exists() above already restricts the result to
	// the scheduled set.
	listTasks := func(pkgName string) []string {
		names := make([]string, 0, len(taskTable[pkgName]))
		for name := range taskTable[pkgName] {
			names = append(names, name)
		}
		return names
	}

	for id, t := range bg.Tasks {
		pkgName, taskName := util.PackageAndTask(id)
		node := nodes[pkgName]
		if node == nil {
			continue
		}

		// after: this task starts only once the referenced task is terminal.
		for _, pattern := range t.Config.After {
			for _, depID := range task.ExpandPattern(node, taskName, pattern, exists, listTasks, true) {
				if _, scheduled := bg.Tasks[depID]; scheduled {
					t.WeakAfter = append(t.WeakAfter, depID)
				}
			}
		}
		// before: the referenced task starts only once this one has
		// itself started (not finished) -- recorded as a WeakStart edge on
		// the referenced task, inverted, so it stays distinct from a true
		// "after" (terminal-state) constraint.
		for _, pattern := range t.Config.Before {
			for _, targetID := range task.ExpandPattern(node, taskName, pattern, exists, listTasks, true) {
				if target, scheduled := bg.Tasks[targetID]; scheduled {
					target.WeakStart = append(target.WeakStart, id)
				}
			}
		}
	}
	return nil
}

// validatePersistent rejects graphs that could never finish: a persistent
// task cannot be a strong dependency of another scheduled task, and the
// number of persistent tasks must be fewer than the configured concurrency
// ceiling or they would starve the scheduler.
func validatePersistent(bg *BuildGraph, concurrency int) error {
	persistentCount := 0
	for _, t := range bg.Tasks {
		if t.Config.Persistent {
			persistentCount++
		}
	}
	for _, t := range bg.Tasks {
		for _, depID := range t.StrongDeps {
			dep, ok := bg.Tasks[depID]
			if ok && dep.Config.Persistent {
				return fmt.Errorf("%q is a persistent task; %q cannot depend on it", depID, t.ID)
			}
		}
	}
	if concurrency > 0 && persistentCount >= concurrency {
		return fmt.Errorf("build has %d persistent tasks but concurrency is %d; set concurrency to at least %d", persistentCount, concurrency, persistentCount+1)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := util.Set{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen.Includes(id) {
			continue
		}
		seen.Add(id)
		out = append(out, id)
	}
	return out
}
