package buildgraph

import (
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/sail-build/sail/internal/filehash"
	"github.com/sail-build/sail/internal/sharedcache"
	"github.com/sail-build/sail/internal/workerpool"
)

// BuildContext bundles the run-wide state every task execution needs: the
// file hash cache, the shared cache handle, the worker pool handle, and
// the logger. It is passed explicitly rather than held behind
// package-level globals so tests stay hermetic.
type BuildContext struct {
	FileHashCache *filehash.Cache
	SharedCache   *sharedcache.Cache // nil when sharedCache.enabled=false
	WorkerPool    *workerpool.Pool
	Logger        hclog.Logger

	// LockfileHash is the sha256 of the workspace lockfile's bytes,
	// computed once at startup.
	LockfileHash string
	// NodeEnv/CacheBustVars feed the CacheKey's environment fields.
	NodeEnv       string
	CacheBustVars []sharedcache.EnvPair

	// NoCache disables shared-cache lookup+store entirely (CLI --no-cache).
	NoCache bool
	// Force skips both donefile and shared-cache lookups but still writes
	// results afterward (CLI --force).
	Force bool
}

// NewBuildContext assembles a BuildContext from already-constructed
// subsystems, filling in the environment-derived CacheKey fields
// (CACHE_BUST_VARS, NODE_ENV).
func NewBuildContext(fhc *filehash.Cache, sc *sharedcache.Cache, wp *workerpool.Pool, logger hclog.Logger, lockfileHash string) *BuildContext {
	bc := &BuildContext{
		FileHashCache: fhc,
		SharedCache:   sc,
		WorkerPool:    wp,
		Logger:        logger,
		LockfileHash:  lockfileHash,
		NodeEnv:       os.Getenv("NODE_ENV"),
	}
	for _, name := range strings.Split(os.Getenv("CACHE_BUST_VARS"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		bc.CacheBustVars = append(bc.CacheBustVars, sharedcache.EnvPair{Name: name, Value: os.Getenv(name)})
	}
	return bc
}
