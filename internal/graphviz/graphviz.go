// Package graphviz renders a BuildGraph in Graphviz DOT format for the
// `run --graph` diagnostic flag. Read-only: it has no effect on
// scheduling or execution.
package graphviz

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sail-build/sail/internal/buildgraph"
	"github.com/sail-build/sail/internal/task"
)

// Render writes bg as a directed graph in DOT format. Strong edges are
// solid, weak "after" edges are dashed, weak "before" edges (WeakStart,
// released on the predecessor's start rather than its finish) are dotted,
// and group tasks are drawn as boxes to distinguish them from leaf (command)
// tasks.
func Render(bg *buildgraph.BuildGraph) string {
	var b strings.Builder
	b.WriteString("digraph sail {\n")
	b.WriteString("  rankdir=LR;\n")

	ids := make([]string, 0, len(bg.Tasks))
	for id := range bg.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := bg.Tasks[id]
		shape := "ellipse"
		if t.Kind == task.KindGroup {
			shape = "box"
		}
		fmt.Fprintf(&b, "  %q [shape=%s];\n", id, shape)
	}
	for _, id := range ids {
		t := bg.Tasks[id]
		deps := append([]string{}, t.StrongDeps...)
		sort.Strings(deps)
		for _, dep := range deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", id, dep)
		}
		weak := append([]string{}, t.WeakAfter...)
		sort.Strings(weak)
		for _, dep := range weak {
			fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", id, dep)
		}
		weakStart := append([]string{}, t.WeakStart...)
		sort.Strings(weakStart)
		for _, dep := range weakStart {
			fmt.Fprintf(&b, "  %q -> %q [style=dotted];\n", id, dep)
		}
	}

	b.WriteString("}\n")
	return b.String()
}
