package task

import (
	"strings"

	"github.com/sail-build/sail/internal/config"
)

// ExecutableKind names the tool a leaf task invokes, used to route it to a
// worker pool and to infer default input/output globs.
type ExecutableKind string

const (
	ExeTSC          ExecutableKind = "tsc"
	ExeFluidTSC     ExecutableKind = "fluid-tsc"
	ExeBiome        ExecutableKind = "biome"
	ExeESLint       ExecutableKind = "eslint"
	ExeCopyfiles    ExecutableKind = "copyfiles"
	ExePrettier     ExecutableKind = "prettier"
	ExeWebpack      ExecutableKind = "webpack"
	ExeAPIExtractor ExecutableKind = "api-extractor"
	ExeShell        ExecutableKind = "shell"
)

// ToolAdapter knows how to compute a leaf task's declared inputs and
// outputs for one recognized tool. Specialized tasks implement this
// instead of subclassing a base Task type.
type ToolAdapter interface {
	Name() ExecutableKind
	// Matches reports whether argv0 (the first token of a command string)
	// invokes this tool.
	Matches(argv0 string) bool
	// InputGlobs returns the task's effective input file patterns, rooted
	// at the package directory: the config's declared "inputs" (or the
	// tool's defaults), with the task's own output patterns negated out.
	InputGlobs(cfg config.TaskConfig) []string
	// OutputGlobs returns the default output file patterns used when the
	// task config doesn't declare its own "outputs".
	OutputGlobs(cfg config.TaskConfig) []string
}

type baseAdapter struct {
	name         ExecutableKind
	match        []string
	inputs       []string
	outputs      []string
}

func (a baseAdapter) Name() ExecutableKind { return a.name }

func (a baseAdapter) Matches(argv0 string) bool {
	base := argv0
	if idx := strings.LastIndexByte(argv0, '/'); idx >= 0 {
		base = argv0[idx+1:]
	}
	for _, m := range a.match {
		if base == m {
			return true
		}
	}
	return false
}

// InputGlobs returns the effective input patterns with the task's own
// output trees negated out. Without the negations a tool whose input
// globs overlap its outputs (tsc's "**/*.ts" matches the .d.ts files it
// emits into dist/) would hash a different input set on the second run
// than on the first, when the outputs didn't exist yet, and the donefile
// would never hit.
func (a baseAdapter) InputGlobs(cfg config.TaskConfig) []string {
	base := a.inputs
	if len(cfg.Inputs) > 0 {
		base = cfg.Inputs
	}
	globs := append([]string{}, base...)
	for _, out := range a.outputs {
		globs = append(globs, "!"+out)
	}
	for _, out := range cfg.Outputs {
		globs = append(globs, "!"+out)
	}
	return globs
}

func (a baseAdapter) OutputGlobs(cfg config.TaskConfig) []string {
	if len(cfg.Outputs) > 0 {
		return cfg.Outputs
	}
	return a.outputs
}

// excludeOwnOutputs is appended to every adapter's default input set:
// donefiles and sail's own bookkeeping are never task inputs. The
// adapter's tool-specific output patterns are negated separately in
// InputGlobs.
var excludeOwnOutputs = []string{"!.sail/**", "!**/*.done.build.log"}

var registry = []ToolAdapter{
	baseAdapter{
		name:    ExeTSC,
		match:   []string{"tsc", "fluid-tsc"},
		inputs:  append([]string{"**/*.ts", "**/*.tsx", "tsconfig.json", "tsconfig.*.json"}, excludeOwnOutputs...),
		outputs: []string{"dist/**", "*.tsbuildinfo", "tsconfig.tsbuildinfo"},
	},
	baseAdapter{
		name:    ExeBiome,
		match:   []string{"biome"},
		inputs:  append([]string{"**/*.js", "**/*.ts", "**/*.jsx", "**/*.tsx", "biome.json"}, excludeOwnOutputs...),
		outputs: []string{},
	},
	baseAdapter{
		name:    ExeESLint,
		match:   []string{"eslint"},
		inputs:  append([]string{"**/*.js", "**/*.ts", "**/*.jsx", "**/*.tsx", ".eslintrc*"}, excludeOwnOutputs...),
		outputs: []string{},
	},
	baseAdapter{
		name:    ExeCopyfiles,
		match:   []string{"copyfiles"},
		inputs:  excludeOwnOutputs,
		outputs: []string{"dist/**"},
	},
	baseAdapter{
		name:    ExePrettier,
		match:   []string{"prettier"},
		inputs:  append([]string{"**/*"}, excludeOwnOutputs...),
		outputs: []string{},
	},
	baseAdapter{
		name:    ExeWebpack,
		match:   []string{"webpack", "webpack-cli"},
		inputs:  append([]string{"src/**", "webpack.config.js", "webpack.config.ts"}, excludeOwnOutputs...),
		outputs: []string{"dist/**"},
	},
	baseAdapter{
		name:    ExeAPIExtractor,
		match:   []string{"api-extractor"},
		inputs:  append([]string{"dist/**/*.d.ts", "api-extractor.json"}, excludeOwnOutputs...),
		outputs: []string{"etc/**", "temp/**"},
	},
	baseAdapter{
		name:    ExeShell,
		match:   nil, // fallback, never matched directly
		inputs:  append([]string{"**/*"}, excludeOwnOutputs...),
		outputs: []string{},
	},
}

var shellFallback = registry[len(registry)-1]

// Lookup returns the adapter registered for exe, or the generic shell
// adapter if none is registered (it shouldn't be possible to construct an
// ExecutableKind that isn't in the registry via InferExecutable, but
// Lookup stays total for callers that read Task.Executable back out of
// storage).
func Lookup(exe ExecutableKind) ToolAdapter {
	for _, a := range registry {
		if a.Name() == exe {
			return a
		}
	}
	return shellFallback
}

// InferExecutable parses a command's argv[0] against the tool matcher
// registry, falling back to the generic shell task for anything
// unrecognized.
func InferExecutable(command string) ExecutableKind {
	argv0 := firstToken(command)
	for _, a := range registry {
		if a.Matches(argv0) {
			return a.Name()
		}
	}
	return ExeShell
}

func firstToken(command string) string {
	command = strings.TrimSpace(command)
	idx := strings.IndexByte(command, ' ')
	if idx < 0 {
		return command
	}
	return command[:idx]
}
