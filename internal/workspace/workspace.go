// Package workspace is the minimal workspace loader: it discovers
// packages and their declared dependencies. Everything about *how* a
// package manager lays out a monorepo (lockfile parsing, version
// resolvers, workspace protocol rewriting) stays in the surrounding
// tooling -- this is a thin loader whose job is to produce Package values
// the rest of the engine can consume, not to be a full workspace manager.
package workspace

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/sail-build/sail/internal/fspath"
)

// Package is a compilation unit identified by name and directory. It is
// immutable once constructed.
type Package struct {
	Name    string
	Dir     fspath.AbsoluteSystemPath
	Version string
	Scripts map[string]string

	// StrongDeps are prod/peer dependency package names resolved to other
	// workspace packages.
	StrongDeps []string
	// WeakDeps are dev dependency package names resolved to other workspace
	// packages.
	WeakDeps []string

	// UnresolvedDeps holds every dependency name this package declared,
	// including ones that aren't part of the workspace (external). Kept so
	// the resolver can distinguish "not a workspace member" from "missing".
	UnresolvedDeps map[string]string
}

// Catalog is the full set of packages discovered in one workspace, keyed by
// package name.
type Catalog struct {
	Packages map[string]*Package
	RootDir  fspath.AbsoluteSystemPath
}

type manifest struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Scripts              map[string]string `json:"scripts"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

// Load walks the given package directories (already resolved by whatever
// workspace-glob mechanism the surrounding tooling uses)
// and reads a package.json-shaped manifest from each, producing a Catalog
// with dependency edges resolved against sibling packages only.
func Load(rootDir fspath.AbsoluteSystemPath, packageDirs []fspath.AbsoluteSystemPath) (*Catalog, error) {
	byName := make(map[string]*Package, len(packageDirs))
	raw := make(map[string]manifest, len(packageDirs))

	for _, dir := range packageDirs {
		manifestPath := dir.Join("package.json")
		b, err := manifestPath.ReadFile()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", manifestPath, err)
		}
		var m manifest
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", manifestPath, err)
		}
		if m.Name == "" {
			return nil, fmt.Errorf("%s has no \"name\" field", manifestPath)
		}
		if _, dup := byName[m.Name]; dup {
			return nil, fmt.Errorf("duplicate package name %q (%s)", m.Name, dir)
		}
		raw[m.Name] = m
		byName[m.Name] = &Package{
			Name:           m.Name,
			Dir:            dir,
			Version:        m.Version,
			Scripts:        m.Scripts,
			UnresolvedDeps: map[string]string{},
		}
	}

	for name, pkg := range byName {
		m := raw[name]
		strong := unionDeps(m.Dependencies, m.PeerDependencies, m.OptionalDependencies)
		weak := m.DevDependencies

		for depName, version := range strong {
			pkg.UnresolvedDeps[depName] = version
			if _, ok := byName[depName]; ok {
				pkg.StrongDeps = append(pkg.StrongDeps, depName)
			}
		}
		for depName, version := range weak {
			pkg.UnresolvedDeps[depName] = version
			if _, ok := byName[depName]; ok {
				pkg.WeakDeps = append(pkg.WeakDeps, depName)
			}
		}
	}

	return &Catalog{Packages: byName, RootDir: rootDir}, nil
}

func unionDeps(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// DiscoverPackageDirs is a minimal stand-in for real workspace discovery:
// it expands each of the given workspace globs relative to rootDir with
// filepath.Glob (so no `**`) and keeps the matches that contain a
// package.json. Real workspace-glob
// expansion (pnpm-workspace.yaml, npm workspaces arrays with nested globs)
// belongs to the surrounding tooling layer; this just has to be good
// enough to drive the engine end to end in tests and simple repos.
func DiscoverPackageDirs(rootDir fspath.AbsoluteSystemPath, workspaceGlobs []string) ([]fspath.AbsoluteSystemPath, error) {
	var dirs []fspath.AbsoluteSystemPath
	for _, pattern := range workspaceGlobs {
		matches, err := filepath.Glob(rootDir.Join(pattern).String())
		if err != nil {
			return nil, fmt.Errorf("invalid workspace glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			candidate := fspath.New(m)
			if candidate.Join("package.json").FileExists() {
				dirs = append(dirs, candidate)
			}
		}
	}
	return dirs, nil
}
