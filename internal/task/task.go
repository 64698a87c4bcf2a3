// Package task holds the task model and its script analysis: leaf and
// group task entities, dependency-pattern expansion, and tool-type
// inference from command strings. Task variants are a tagged union (Kind)
// plus a registered matcher table rather than a type hierarchy.
package task

import (
	"sync"

	"github.com/sail-build/sail/internal/config"
)

// Kind distinguishes a leaf task (runs a command) from a group task (fans
// out to child tasks only).
type Kind int

const (
	// KindLeaf runs a shell command.
	KindLeaf Kind = iota
	// KindGroup only sequences or parallelizes sub-tasks.
	KindGroup
)

// State is a task's position in the execution lifecycle.
type State int

const (
	StatePending State = iota
	StateReady
	StateRunning
	StateUpToDateLocal
	StateRestoredFromShared
	StateSuccess
	StateFailed
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateUpToDateLocal:
		return "up-to-date"
	case StateRestoredFromShared:
		return "restored"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminalSuccess reports whether s is one of the states the scheduler
// treats as satisfying a strong dependency.
func (s State) IsTerminalSuccess() bool {
	return s == StateSuccess || s == StateUpToDateLocal || s == StateRestoredFromShared
}

// IsTerminal reports whether s will never change again.
func (s State) IsTerminal() bool {
	return s.IsTerminalSuccess() || s == StateFailed || s == StateSkipped
}

// Task is one package-task unit: either a leaf or a group.
type Task struct {
	// ID is "pkg#name".
	ID          string
	PackageName string
	Name        string
	Kind        Kind

	// Command is the shell command for a leaf task; empty for group tasks.
	Command string
	// Executable is the tool name used for worker routing.
	Executable ExecutableKind

	// Children holds member task IDs for a group task.
	Children []string

	Config config.TaskConfig

	// StrongDeps/WeakAfter/WeakStart are resolved task IDs, filled in by the
	// buildgraph package during its dependency-expansion pass.
	//
	// WeakAfter holds true "after" predecessors: this task may not start
	// until every id in WeakAfter has reached a terminal state.
	//
	// WeakStart holds "before" predecessors, inverted: a task X with
	// before:[Y] records itself on Y.WeakStart, since the constraint is on
	// Y, not X. Y may not start until every id in WeakStart has itself
	// started -- NOT finished. Keeping this distinct from WeakAfter is what
	// makes before/after genuinely different scheduling constraints instead
	// of two names for one edge.
	StrongDeps []string
	WeakAfter  []string
	WeakStart  []string

	InputFiles  []string // glob patterns, relative to the package directory
	OutputFiles []string // glob patterns, relative to the package directory

	mu    sync.Mutex
	state State
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the task. The scheduler is the only caller allowed
// to call this outside of a task's own execution logic.
func (t *Task) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// NewLeaf constructs a leaf task for one package script.
func NewLeaf(pkgName, name, command string, cfg config.TaskConfig) *Task {
	exe := InferExecutable(command)
	adapter := Lookup(exe)
	return &Task{
		ID:          pkgName + "#" + name,
		PackageName: pkgName,
		Name:        name,
		Kind:        KindLeaf,
		Command:     command,
		Executable:  exe,
		Config:      cfg,
		InputFiles:  adapter.InputGlobs(cfg),
		OutputFiles: adapter.OutputGlobs(cfg),
		state:       StatePending,
	}
}

// NewGroup constructs a group task that only fans out to its children.
func NewGroup(pkgName, name string, children []string, cfg config.TaskConfig) *Task {
	return &Task{
		ID:          pkgName + "#" + name,
		PackageName: pkgName,
		Name:        name,
		Kind:        KindGroup,
		Children:    children,
		Config:      cfg,
		state:       StatePending,
	}
}
