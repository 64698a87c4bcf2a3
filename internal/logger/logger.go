// Package logger wires a single hclog.Logger for the whole engine, passed
// explicitly through BuildContext rather than held as a package-level
// global.
package logger

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Options controls how the root logger is constructed.
type Options struct {
	Verbose bool
	JSON    bool
}

// New builds the logger used for one build invocation.
func New(opts Options) hclog.Logger {
	level := hclog.Info
	if opts.Verbose {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            "sail",
		Level:           level,
		Output:          os.Stderr,
		JSONFormat:      opts.JSON,
		IncludeLocation: false,
	})
}
