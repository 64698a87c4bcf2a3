// Package graph is the package dependency resolver: from a set of
// packages it produces a map of PackageNodes with dependency edges and
// integer levels, detecting cycles along the way.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/pyr-sh/dag"
	"github.com/sail-build/sail/internal/workspace"
)

// AcceptFunc may exclude an edge from parent to dep, e.g. to honor a
// package filter that requests only a subset of the workspace. Packages
// reached only transitively through a rejected edge are still included,
// since they remain build-required.
type AcceptFunc func(parent, dep *workspace.Package) bool

// AcceptAll is the default AcceptFunc: every declared edge is kept.
func AcceptAll(_, _ *workspace.Package) bool { return true }

// PackageNode is one resolved package: its edges and its DAG depth.
type PackageNode struct {
	Pkg *workspace.Package
	// Deps holds every accepted workspace dependency edge (prod, peer, and
	// dev combined); levels are computed over this set.
	Deps []*PackageNode
	// StrongDeps holds only the prod/peer edges. "^task" dependency
	// expansion walks these: a dev-only dependency must not become a hard
	// build prerequisite.
	StrongDeps []*PackageNode
	Level      int
}

// DependencyError reports a cycle found while computing levels.
type DependencyError struct {
	Cycle []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// VersionMismatchWarning is returned (never as a hard error) alongside a
// successful Resolve when a dependency's declared version range isn't
// satisfied by the in-workspace package and the workspace protocol wasn't
// used.
type VersionMismatchWarning struct {
	Package    string
	Dependency string
	Wanted     string
	Got        string
}

func (w VersionMismatchWarning) String() string {
	return fmt.Sprintf("%s depends on %s@%s but the workspace has %s@%s",
		w.Package, w.Dependency, w.Wanted, w.Dependency, w.Got)
}

// Resolve builds the PackageNode graph for cat, applying accept to filter
// edges, and computing each node's level as 0 for leaves and
// 1+max(level(dep)) otherwise. Cycles are reported as a *DependencyError.
func Resolve(cat *workspace.Catalog, accept AcceptFunc) (map[string]*PackageNode, []VersionMismatchWarning, error) {
	if accept == nil {
		accept = AcceptAll
	}

	g := &dag.AcyclicGraph{}
	for name := range cat.Packages {
		g.Add(name)
	}

	var warnings []VersionMismatchWarning
	strongEdges := map[string][]string{}
	for name, pkg := range cat.Packages {
		connect := func(depName string, strong bool) {
			dep, ok := cat.Packages[depName]
			if !ok {
				// External dependency, not a workspace member: skip.
				return
			}
			if !accept(pkg, dep) {
				return
			}
			g.Connect(dag.BasicEdge(name, depName))
			if strong {
				strongEdges[name] = append(strongEdges[name], depName)
			}

			if wanted, ok := pkg.UnresolvedDeps[depName]; ok && wanted != "" && wanted != "*" && !strings.HasPrefix(wanted, "workspace:") {
				if wanted != dep.Version && !strings.Contains(wanted, dep.Version) {
					warnings = append(warnings, VersionMismatchWarning{
						Package: name, Dependency: depName, Wanted: wanted, Got: dep.Version,
					})
				}
			}
		}
		for _, depName := range pkg.StrongDeps {
			connect(depName, true)
		}
		for _, depName := range pkg.WeakDeps {
			connect(depName, false)
		}
	}

	if cycles := g.Cycles(); len(cycles) > 0 {
		return nil, warnings, &DependencyError{Cycle: describeCycles(cycles[0])}
	}

	nodes := make(map[string]*PackageNode, len(cat.Packages))
	for name, pkg := range cat.Packages {
		nodes[name] = &PackageNode{Pkg: pkg, Level: -1}
	}
	for name, node := range nodes {
		depNames := sortedStrings(g.DownEdges(name))
		for _, d := range depNames {
			node.Deps = append(node.Deps, nodes[d])
		}
		strong := append([]string{}, strongEdges[name]...)
		sort.Strings(strong)
		prev := ""
		for _, d := range strong {
			if d == prev {
				continue
			}
			prev = d
			node.StrongDeps = append(node.StrongDeps, nodes[d])
		}
	}

	visiting := make(map[string]bool) // gray
	done := make(map[string]bool)     // black
	var stack []string

	var levelOf func(name string) (int, error)
	levelOf = func(name string) (int, error) {
		node, ok := nodes[name]
		if !ok {
			return 0, nil
		}
		if done[name] {
			return node.Level, nil
		}
		if visiting[name] {
			idx := indexOf(stack, name)
			return 0, errors.Errorf("cycle: %s", strings.Join(append(append([]string{}, stack[idx:]...), name), " -> "))
		}
		visiting[name] = true
		stack = append(stack, name)

		max := -1
		for _, dep := range node.Deps {
			l, err := levelOf(dep.Pkg.Name)
			if err != nil {
				return 0, err
			}
			if l > max {
				max = l
			}
		}
		node.Level = max + 1

		stack = stack[:len(stack)-1]
		visiting[name] = false
		done[name] = true
		return node.Level, nil
	}

	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := levelOf(name); err != nil {
			return nil, warnings, &DependencyError{Cycle: strings.Split(err.Error(), ": ")[1:]}
		}
	}

	return nodes, warnings, nil
}

func describeCycles(cycle []dag.Vertex) []string {
	// dag.Cycles reports each cycle as its member vertices (package names);
	// a package depending on itself is not among them and is caught by the
	// level DFS below instead.
	out := make([]string, 0, len(cycle))
	for _, v := range cycle {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

func sortedStrings(s dag.Set) []string {
	out := make([]string, 0, len(s))
	for _, v := range s {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

func indexOf(haystack []string, needle string) int {
	for i, v := range haystack {
		if v == needle {
			return i
		}
	}
	return 0
}
