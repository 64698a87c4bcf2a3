// Package cmdutil holds functionality shared across sail's cobra
// subcommands: flag parsing for the flags common to every command, and
// assembly of the run-wide state (config, workspace catalog, logger) each
// subcommand needs.
package cmdutil

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"

	"github.com/sail-build/sail/internal/config"
	"github.com/sail-build/sail/internal/fspath"
	"github.com/sail-build/sail/internal/logger"
	"github.com/sail-build/sail/internal/workspace"
)

// Helper carries the flags common to every sail subcommand.
type Helper struct {
	Version string

	rawRepoRoot string
	verbose     bool
}

// NewHelper constructs a Helper for one CLI invocation.
func NewHelper(version string) *Helper {
	return &Helper{Version: version}
}

// AddFlags registers the flags that apply to every subcommand.
func (h *Helper) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&h.rawRepoRoot, "cwd", "", "Directory to run sail in (defaults to the current directory)")
	flags.BoolVarP(&h.verbose, "verbose", "v", false, "Enable verbose logging")
}

// Base bundles everything a subcommand needs to act: the repo root, the
// decoded config, the discovered workspace catalog, and a logger.
type Base struct {
	RepoRoot fspath.AbsoluteSystemPath
	Config   *config.Config
	Catalog  *workspace.Catalog
	Logger   hclog.Logger
}

// GetCmdBase resolves --cwd, loads sail.json, discovers the workspace, and
// builds the logger -- the composition root every subcommand starts from.
func (h *Helper) GetCmdBase() (*Base, error) {
	root, err := h.repoRoot()
	if err != nil {
		return nil, err
	}

	cfgPath := root.Join("sail.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading sail.json")
	}

	log := logger.New(logger.Options{Verbose: h.verbose})

	dirs, err := workspace.DiscoverPackageDirs(root, cfg.Workspaces)
	if err != nil {
		return nil, errors.Wrap(err, "discovering workspace packages")
	}
	cat, err := workspace.Load(root, dirs)
	if err != nil {
		return nil, errors.Wrap(err, "loading workspace")
	}

	return &Base{RepoRoot: root, Config: cfg, Catalog: cat, Logger: log}, nil
}

func (h *Helper) repoRoot() (fspath.AbsoluteSystemPath, error) {
	raw := h.rawRepoRoot
	if raw == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "getting working directory")
		}
		raw = wd
	}
	expanded, err := homedir.Expand(raw)
	if err != nil {
		return "", errors.Wrap(err, "expanding --cwd")
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", errors.Wrap(err, "resolving --cwd")
	}
	return fspath.New(abs), nil
}
