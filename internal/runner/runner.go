// Package runner wires the donefile cache, the shared cache, the worker
// pool, and the file hash cache into the scheduler.RunFunc that drives
// per-task execution. It is a separate package from buildgraph
// (which owns BuildContext) and scheduler (which owns RunFunc's type)
// purely to avoid an import cycle: buildgraph never needs to know about
// the scheduler, and the scheduler never needs to know about caches.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/sail-build/sail/internal/buildgraph"
	"github.com/sail-build/sail/internal/donefile"
	"github.com/sail-build/sail/internal/filehash"
	"github.com/sail-build/sail/internal/fspath"
	"github.com/sail-build/sail/internal/graph"
	"github.com/sail-build/sail/internal/scheduler"
	"github.com/sail-build/sail/internal/sharedcache"
	"github.com/sail-build/sail/internal/task"
)

// Arch, platform, and runtime identity are fixed per process and go
// verbatim into every cache key.
var (
	cacheArch        = runtime.GOARCH
	cachePlatform    = runtime.GOOS
	cacheRuntimeVers = runtime.Version()
)

// workerRoutable is the set of tools hot enough to be worth pooling:
// their startup cost dwarfs a typical invocation.
var workerRoutable = map[task.ExecutableKind]bool{
	task.ExeTSC:      true,
	task.ExeFluidTSC: true,
	task.ExeESLint:   true,
	task.ExeBiome:    true,
}

// NewRunFunc builds the scheduler.RunFunc driving each task through the
// full flow: donefile check, then shared-cache lookup, then execution
// (direct or via the worker pool), with donefile/shared-cache writes on
// success.
func NewRunFunc(bg *buildgraph.BuildGraph, nodes map[string]*graph.PackageNode, bc *buildgraph.BuildContext) scheduler.RunFunc {
	return func(ctx context.Context, t *task.Task) (task.State, error) {
		if t.Kind == task.KindGroup {
			// A group task has no command of its own; by the time the
			// scheduler runs it, every child (its strong deps) is already
			// terminal-success, so the group itself simply succeeds.
			return task.StateSuccess, nil
		}
		return runLeaf(ctx, bg, nodes, bc, t)
	}
}

func runLeaf(ctx context.Context, bg *buildgraph.BuildGraph, nodes map[string]*graph.PackageNode, bc *buildgraph.BuildContext, t *task.Task) (task.State, error) {
	node, ok := nodes[t.PackageName]
	if !ok {
		return task.StateFailed, fmt.Errorf("package %q not found for task %q", t.PackageName, t.ID)
	}
	pkgDir := node.Pkg.Dir

	inputs, hashErr := hashInputs(ctx, bc, pkgDir, t.InputFiles)
	if hashErr != nil {
		// Hashing is part of cache lookup, which is advisory; fall through
		// and execute the task for real instead of failing it. Both cache
		// tiers are skipped below: a key built from an unknown input set
		// could alias a legitimate entry.
		bc.Logger.Warn("failed to hash inputs, skipping cache lookup", "task", t.ID, "err", hashErr)
	}
	upstreamContents := upstreamDonefileContents(bg, pkgDir, nodes, t)
	expected := donefile.ContentHash(inputs, upstreamContents)

	if !bc.Force && hashErr == nil && donefile.Check(pkgDir, t.ID, expected) {
		return task.StateUpToDateLocal, nil
	}

	key := buildCacheKey(bc, t, inputs, upstreamContents)

	if !bc.Force && !bc.NoCache && hashErr == nil && bc.SharedCache != nil {
		if m, hit := bc.SharedCache.Lookup(key.Hex()); hit {
			if err := bc.SharedCache.Restore(key.Hex(), m, pkgDir); err != nil {
				bc.Logger.Warn("shared cache restore failed, falling back to execution", "task", t.ID, "err", err)
			} else {
				if err := donefile.Write(pkgDir, t.ID, expected); err != nil {
					bc.Logger.Warn("failed to write donefile after shared-cache restore", "task", t.ID, "err", err)
				}
				return task.StateRestoredFromShared, nil
			}
		}
	}

	start := time.Now()
	if err := execute(ctx, bc, t, pkgDir); err != nil {
		return task.StateFailed, err
	}
	elapsed := time.Since(start)

	outputs, outErr := collectOutputs(bc, pkgDir, t.OutputFiles)
	if outErr != nil {
		bc.Logger.Warn("failed to collect outputs after successful run", "task", t.ID, "err", outErr)
	} else if hashErr == nil {
		if err := donefile.Write(pkgDir, t.ID, expected); err != nil {
			bc.Logger.Warn("failed to write donefile", "task", t.ID, "err", err)
		}
		if !bc.NoCache && bc.SharedCache != nil {
			bc.SharedCache.Store(key.Hex(), outputs, elapsed.Milliseconds())
		}
	}

	return task.StateSuccess, nil
}

// execute runs t.Command in pkgDir, routing hot tools through the worker
// pool and everything else through a direct subprocess spawn: the pool
// exists to amortize startup for specific tools, not every task.
func execute(ctx context.Context, bc *buildgraph.BuildContext, t *task.Task, pkgDir fspath.AbsoluteSystemPath) error {
	if bc.WorkerPool != nil && workerRoutable[t.Executable] {
		res, err := bc.WorkerPool.RunOnWorker(ctx, string(t.Executable), t.Command, pkgDir.String())
		if err != nil {
			return err
		}
		if res.Code != 0 {
			return fmt.Errorf("task %q exited %d:\n%s", t.ID, res.Code, res.Stderr)
		}
		return nil
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", t.Command)
	cmd.Dir = pkgDir.String()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("task %q failed: %w", t.ID, err)
	}
	return nil
}

func hashInputs(ctx context.Context, bc *buildgraph.BuildContext, pkgDir fspath.AbsoluteSystemPath, patterns []string) ([]donefile.InputHash, error) {
	hashes, err := bc.FileHashCache.HashFiles(ctx, pkgDir, patterns, 4)
	if err != nil {
		return nil, err
	}
	out := make([]donefile.InputHash, 0, len(hashes))
	for rel, sha := range hashes {
		out = append(out, donefile.InputHash{Path: rel, Hash: sha})
	}
	return out, nil
}

// upstreamDonefileContents walks t's effective leaf ancestry (strong deps,
// expanding through group tasks which have no donefile of their own) and
// reads each leaf's current donefile content fresh, so staleness in any
// upstream leaf propagates into this task's own hash.
func upstreamDonefileContents(bg *buildgraph.BuildGraph, pkgDir fspath.AbsoluteSystemPath, nodes map[string]*graph.PackageNode, t *task.Task) []string {
	var contents []string
	seen := map[string]bool{}
	var visit func(id string)
	visit = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		dep, ok := bg.Tasks[id]
		if !ok {
			return
		}
		if dep.Kind == task.KindGroup {
			for _, child := range dep.Children {
				visit(child)
			}
			return
		}
		depNode, ok := nodes[dep.PackageName]
		if !ok {
			return
		}
		if content, ok, _ := donefile.Read(depNode.Pkg.Dir, dep.ID); ok {
			contents = append(contents, content)
		}
	}
	for _, dep := range t.StrongDeps {
		visit(dep)
	}
	sort.Strings(contents)
	return contents
}

func buildCacheKey(bc *buildgraph.BuildContext, t *task.Task, inputs []donefile.InputHash, upstreamContents []string) sharedcache.CacheKey {
	hashes := make([]sharedcache.InputHash, 0, len(inputs))
	for _, in := range inputs {
		hashes = append(hashes, sharedcache.InputHash{RepoRelativePath: t.PackageName + "/" + in.Path, Sha256: in.Hash})
	}
	bustVars := append([]sharedcache.EnvPair{}, bc.CacheBustVars...)
	bustVars = append(bustVars, taskEnvPairs(t.Config.Env)...)
	return sharedcache.CacheKey{
		PackageName:      t.PackageName,
		TaskName:         t.Name,
		Executable:       string(t.Executable),
		Command:          t.Command,
		InputHashes:      hashes,
		LockfileHash:     bc.LockfileHash,
		DependencyHashes: upstreamContents,
		SchemaVersion:    sharedcache.SchemaVersion,
		NodeVersion:      cacheRuntimeVers,
		Arch:             cacheArch,
		Platform:         cachePlatform,
		NodeEnv:          bc.NodeEnv,
		CacheBustVars:    bustVars,
	}
}

// taskEnvPairs resolves a task's declared "env" patterns against the live
// environment so their values participate in the cache key. A pattern with
// glob metacharacters ("API_*") matches any number of variable names; a
// plain name is looked up directly, contributing its (possibly empty)
// value so that setting a previously-unset variable still busts the key.
func taskEnvPairs(patterns []string) []sharedcache.EnvPair {
	if len(patterns) == 0 {
		return nil
	}
	var pairs []sharedcache.EnvPair
	var environ []string
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[") {
			pairs = append(pairs, sharedcache.EnvPair{Name: p, Value: os.Getenv(p)})
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			continue
		}
		if environ == nil {
			environ = os.Environ()
		}
		for _, kv := range environ {
			eq := strings.IndexByte(kv, '=')
			if eq <= 0 {
				continue
			}
			if name := kv[:eq]; g.Match(name) {
				pairs = append(pairs, sharedcache.EnvPair{Name: name, Value: kv[eq+1:]})
			}
		}
	}
	return pairs
}

func collectOutputs(bc *buildgraph.BuildContext, pkgDir fspath.AbsoluteSystemPath, patterns []string) ([]sharedcache.StoreInput, error) {
	rels, err := filehash.ExpandGlobs(pkgDir, patterns)
	if err != nil {
		return nil, err
	}
	out := make([]sharedcache.StoreInput, 0, len(rels))
	for _, rel := range rels {
		abs := pkgDir.Join(filepath.FromSlash(rel))
		sha, err := bc.FileHashCache.HashFile(abs)
		if err != nil {
			return nil, err
		}
		info, err := abs.Stat()
		if err != nil {
			return nil, err
		}
		out = append(out, sharedcache.StoreInput{
			RelPath: rel,
			AbsPath: abs,
			Sha256:  sha,
			Size:    info.Size(),
			MtimeMs: info.ModTime().UnixMilli(),
			Mode:    info.Mode(),
		})
	}
	return out, nil
}
