// Package config loads sail.json and exposes the TaskConfig rule model
// that the task and buildgraph packages expand into a scheduled graph.
package config

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sail-build/sail/internal/fspath"
)

// SchemaVersion is the only recognized value of the top-level "version"
// field today.
const SchemaVersion = 1

// TaskConfig is the rule governing one named task.
type TaskConfig struct {
	// DependsOn lists strong dependencies: "^name", "pkg#name", "name", "*".
	DependsOn []string `json:"dependsOn,omitempty"`
	// Before/After are weak ordering hints; they only bind if the
	// referenced task is also scheduled. "^name" and "^*" are allowed here.
	Before []string `json:"before,omitempty"`
	After  []string `json:"after,omitempty"`
	// Children lists member task names for a group task.
	Children []string `json:"children,omitempty"`
	// Script, when non-nil and false, marks this as a pure grouping node
	// with no corresponding package.json script.
	Script *bool `json:"script,omitempty"`
	// Outputs are glob patterns, relative to the package directory, that
	// this task produces.
	Outputs []string `json:"outputs,omitempty"`
	// Inputs are glob patterns that define this task's input file set. An
	// empty list means "infer from the task's tool type".
	Inputs []string `json:"inputs,omitempty"`
	// Persistent marks a task that never terminates on its own (e.g. a dev
	// server). Persistent tasks cannot be depended on by other scheduled
	// tasks.
	Persistent bool `json:"persistent,omitempty"`
	// TimeoutMs is an optional per-task wall-clock deadline.
	TimeoutMs int `json:"timeoutMs,omitempty"`
	// Env lists environment variable names (supporting glob wildcards) that
	// participate in this task's cache key.
	Env []string `json:"env,omitempty"`
}

// IsScript reports whether this task corresponds to an executable
// package.json script. Defaults to true.
func (t TaskConfig) IsScript() bool {
	return t.Script == nil || *t.Script
}

// Validate rejects the degenerate shape: a non-script task with no
// children would execute nothing and group nothing.
func (t TaskConfig) Validate(name string) error {
	if !t.IsScript() && len(t.Children) == 0 {
		return fmt.Errorf("task %q has script=false and no children; it would do nothing", name)
	}
	return nil
}

// SharedCacheConfig configures the shared cache.
type SharedCacheConfig struct {
	Enabled            bool   `json:"enabled"`
	Directory          string `json:"directory,omitempty"`
	HighWaterMarkBytes int64  `json:"highWaterMarkBytes,omitempty"`
	LowWaterMarkBytes  int64  `json:"lowWaterMarkBytes,omitempty"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	UseThreads   bool `json:"useThreads"`
	MemoryLimitMb int `json:"memoryLimitMb,omitempty"`
	MaxCount     int  `json:"maxCount,omitempty"`
}

// Config is the decoded root of sail.json.
type Config struct {
	Version int `json:"version"`
	// Tasks is the global task table; per-package overlays are supplied
	// separately by each package's own sail.json, if present.
	Tasks map[string]TaskConfig `json:"tasks"`
	// DeclarativeTasks is opaque to the core engine; forwarded verbatim to
	// whichever task-type matcher recognizes the task's command.
	DeclarativeTasks map[string]json.RawMessage `json:"declarativeTasks,omitempty"`

	SharedCache SharedCacheConfig `json:"sharedCache"`
	Worker      WorkerConfig      `json:"worker"`

	Concurrency   int  `json:"concurrency,omitempty"`
	BailOnFailure bool `json:"bailOnFailure,omitempty"`

	// Workspaces lists the glob patterns the workspace loader uses to
	// discover package directories.
	Workspaces []string `json:"workspaces,omitempty"`
}

// Load reads and validates sail.json at the given path, filling in defaults
// for any omitted field.
func Load(path fspath.AbsoluteSystemPath) (*Config, error) {
	b, err := path.ReadFile()
	if err != nil {
		return nil, errors.Wrap(err, "reading sail.json")
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing sail.json")
	}
	if cfg.Version == 0 {
		return nil, errors.New("sail.json must declare a \"version\"")
	}
	if cfg.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported sail.json version %d (expected %d)", cfg.Version, SchemaVersion)
	}
	for name, t := range cfg.Tasks {
		if err := t.Validate(name); err != nil {
			return nil, errors.Wrap(err, "sail.json")
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.SharedCache.Directory == "" {
		cfg.SharedCache.Directory = ".sail-cache"
	}
	if cfg.SharedCache.HighWaterMarkBytes == 0 {
		cfg.SharedCache.HighWaterMarkBytes = 5 << 30 // 5GiB
	}
	if cfg.SharedCache.LowWaterMarkBytes == 0 {
		cfg.SharedCache.LowWaterMarkBytes = cfg.SharedCache.HighWaterMarkBytes / 2
	}
	if len(cfg.Workspaces) == 0 {
		cfg.Workspaces = []string{"packages/*", "apps/*"}
	}
}

// LoadOverlay reads a per-package sail.json overlay. Unlike the root
// config, an overlay has no "version" field and is allowed to be absent
// entirely -- that's the common case, not an error.
func LoadOverlay(path fspath.AbsoluteSystemPath) (map[string]TaskConfig, error) {
	if !path.FileExists() {
		return nil, nil
	}
	b, err := path.ReadFile()
	if err != nil {
		return nil, errors.Wrap(err, "reading package task overlay")
	}
	var overlay struct {
		Tasks map[string]TaskConfig `json:"tasks"`
	}
	if err := json.Unmarshal(b, &overlay); err != nil {
		return nil, errors.Wrap(err, "parsing package task overlay")
	}
	return overlay.Tasks, nil
}

// MergeTaskDefinitions overlays a per-package TaskConfig on top of the
// global one. A nil overlay field leaves the base untouched; a non-nil
// (even empty) overlay field replaces it outright.
func MergeTaskDefinitions(base TaskConfig, overlay *TaskConfig) TaskConfig {
	if overlay == nil {
		return base
	}
	merged := base
	if overlay.DependsOn != nil {
		merged.DependsOn = overlay.DependsOn
	}
	if overlay.Before != nil {
		merged.Before = overlay.Before
	}
	if overlay.After != nil {
		merged.After = overlay.After
	}
	if overlay.Children != nil {
		merged.Children = overlay.Children
	}
	if overlay.Script != nil {
		merged.Script = overlay.Script
	}
	if overlay.Outputs != nil {
		merged.Outputs = overlay.Outputs
	}
	if overlay.Inputs != nil {
		merged.Inputs = overlay.Inputs
	}
	if overlay.Env != nil {
		merged.Env = overlay.Env
	}
	if overlay.TimeoutMs != 0 {
		merged.TimeoutMs = overlay.TimeoutMs
	}
	merged.Persistent = merged.Persistent || overlay.Persistent
	return merged
}
