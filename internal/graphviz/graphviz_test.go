package graphviz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sail-build/sail/internal/buildgraph"
	"github.com/sail-build/sail/internal/task"
)

func TestRenderIncludesNodesAndEdges(t *testing.T) {
	bg := &buildgraph.BuildGraph{
		Tasks: map[string]*task.Task{
			"app#build": {
				ID: "app#build", Kind: task.KindLeaf,
				StrongDeps: []string{"utils#build"},
				WeakAfter:  []string{"lint#run"},
				WeakStart:  []string{"format#run"},
			},
			"utils#build": {ID: "utils#build", Kind: task.KindLeaf},
			"lint#run":    {ID: "lint#run", Kind: task.KindLeaf},
			"format#run":  {ID: "format#run", Kind: task.KindLeaf},
			"ci":          {ID: "ci", Kind: task.KindGroup, StrongDeps: []string{"app#build"}},
		},
	}

	out := Render(bg)
	assert.Contains(t, out, "digraph sail")
	assert.Contains(t, out, `"app#build" -> "utils#build"`)
	assert.Contains(t, out, `"app#build" -> "lint#run" [style=dashed]`)
	assert.Contains(t, out, `"app#build" -> "format#run" [style=dotted]`)
	assert.Contains(t, out, `"ci" [shape=box]`)
	assert.Contains(t, out, `"app#build" [shape=ellipse]`)
}

func TestRenderEmptyGraph(t *testing.T) {
	bg := &buildgraph.BuildGraph{Tasks: map[string]*task.Task{}}
	out := Render(bg)
	assert.Equal(t, "digraph sail {\n  rankdir=LR;\n}\n", out)
}
