// Package sharedcache is the content-addressed shared cache that stores
// and restores task output trees across machines, with preserved
// modification times and LRU pruning. Entries reference their output
// files through a shared content-addressed files/ tree rather than a
// per-entry archive blob, so identical output bytes across unrelated
// cache entries share storage.
package sharedcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/sail-build/sail/internal/fspath"
)

// SchemaVersion is the current on-disk layout version.
const SchemaVersion = 1

// CacheKey is the pure-function identity of one shared-cache entry.
// The key itself is the sha256 of a canonical serialization
// of these fields; field-omission policy must be identical between Store
// and Lookup, so every field here is always present (zero value, not
// absent, when unused).
type CacheKey struct {
	PackageName      string       `json:"packageName"`
	TaskName         string       `json:"taskName"`
	Executable       string       `json:"executable"`
	Command          string       `json:"command"`
	InputHashes      []InputHash  `json:"inputHashes"`
	LockfileHash     string       `json:"lockfileHash"`
	DependencyHashes []string     `json:"dependencyHashes"`
	SchemaVersion    int          `json:"cacheSchemaVersion"`
	NodeVersion      string       `json:"nodeVersion,omitempty"`
	Arch             string       `json:"arch"`
	Platform         string       `json:"platform"`
	ToolVersion      string       `json:"toolVersion,omitempty"`
	ConfigHashes     []string     `json:"configHashes,omitempty"`
	CacheBustVars    []EnvPair    `json:"cacheBustVars,omitempty"`
	NodeEnv          string       `json:"nodeEnv,omitempty"`
}

// InputHash is one input file's content digest, repo-relative.
type InputHash struct {
	RepoRelativePath string `json:"repoRelativePath"`
	Sha256           string `json:"sha256"`
}

// EnvPair is one CACHE_BUST_VARS entry mixed into the key.
type EnvPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Hex canonically serializes k (sorted slices, stable field order via the
// json struct tag order) and returns the hex sha256 digest used as both
// the lookup key and the on-disk entry directory name.
func (k CacheKey) Hex() string {
	sortedInputs := append([]InputHash{}, k.InputHashes...)
	sort.Slice(sortedInputs, func(i, j int) bool { return sortedInputs[i].RepoRelativePath < sortedInputs[j].RepoRelativePath })
	k.InputHashes = sortedInputs

	sortedDeps := append([]string{}, k.DependencyHashes...)
	sort.Strings(sortedDeps)
	k.DependencyHashes = sortedDeps

	sortedConfig := append([]string{}, k.ConfigHashes...)
	sort.Strings(sortedConfig)
	k.ConfigHashes = sortedConfig

	sortedEnv := append([]EnvPair{}, k.CacheBustVars...)
	sort.Slice(sortedEnv, func(i, j int) bool { return sortedEnv[i].Name < sortedEnv[j].Name })
	k.CacheBustVars = sortedEnv

	b, err := json.Marshal(k)
	if err != nil {
		// CacheKey is built entirely from this package's own types; a
		// marshal failure here would be a programming error, not a runtime
		// condition callers can recover from.
		panic(errors.Wrap(err, "marshaling cache key"))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// OutputFile is one file captured by a stored manifest.
type OutputFile struct {
	RelPath string      `json:"relPath"`
	Sha256  string      `json:"sha256"`
	Size    int64       `json:"size"`
	MtimeMs int64       `json:"mtimeMs"`
	Mode    os.FileMode `json:"mode,omitempty"`
}

// StoredBy identifies the process that produced a manifest, diagnostic only.
type StoredBy struct {
	PID  int    `json:"pid"`
	Host string `json:"host"`
}

// Manifest is one stored cache entry.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	CacheKey      string       `json:"cacheKey"`
	OutputFiles   []OutputFile `json:"outputFiles"`
	ProducedAtMs  int64        `json:"producedAtMs"`
	TimeCostMs    int64        `json:"timeCostMs"`
	StoredBy      StoredBy     `json:"storedBy"`
}

// Cache is the shared, content-addressed store rooted at Directory. Every
// operation is advisory: callers must never let a Cache error fail the
// build, only degrade it to as-if-no-cache.
type Cache struct {
	Directory          fspath.AbsoluteSystemPath
	HighWaterMarkBytes int64
	LowWaterMarkBytes  int64
	MinPruneAge        time.Duration
	Logger             hclog.Logger
}

// New constructs a Cache rooted at dir.
func New(dir fspath.AbsoluteSystemPath, highWaterMark, lowWaterMark int64, logger hclog.Logger) *Cache {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Cache{
		Directory:          dir,
		HighWaterMarkBytes: highWaterMark,
		LowWaterMarkBytes:  lowWaterMark,
		MinPruneAge:        10 * time.Minute,
		Logger:             logger.Named("sharedcache"),
	}
}

func (c *Cache) entryDir(keyHex string) fspath.AbsoluteSystemPath {
	return c.Directory.Join("v1", "entries", keyHex)
}

func (c *Cache) manifestPath(keyHex string) fspath.AbsoluteSystemPath {
	return c.entryDir(keyHex).Join("manifest.json")
}

func (c *Cache) contentPath(sha string) fspath.AbsoluteSystemPath {
	return c.Directory.Join("v1", "entries", "files", sha[:2], sha)
}

func (c *Cache) recentLogPath() fspath.AbsoluteSystemPath {
	return c.Directory.Join("v1", "index", "recent.log")
}

func (c *Cache) lockPath() fspath.AbsoluteSystemPath {
	return c.Directory.Join("v1", "index", "prune.lock")
}

// Lookup reports whether keyHex has a valid stored entry.
// A missing, malformed, or corrupted manifest is
// always a miss, never an error returned to the caller -- cache lookups
// are advisory.
func (c *Cache) Lookup(keyHex string) (*Manifest, bool) {
	b, err := c.manifestPath(keyHex).ReadFile()
	if err != nil {
		return nil, false
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		c.Logger.Warn("corrupt manifest, treating as miss", "key", keyHex, "err", err)
		return nil, false
	}
	if len(m.OutputFiles) == 0 {
		c.Logger.Warn("manifest with no output files, treating as miss", "key", keyHex)
		return nil, false
	}
	for _, of := range m.OutputFiles {
		if !c.contentPath(of.Sha256).FileExists() {
			c.Logger.Warn("manifest references missing content file, treating as miss", "key", keyHex, "sha", of.Sha256)
			return nil, false
		}
	}
	return &m, true
}

// StoreInput is one output file being committed to the cache; the caller
// has already hashed it and captured its mtime.
type StoreInput struct {
	RelPath string
	AbsPath fspath.AbsoluteSystemPath
	Sha256  string
	Size    int64
	MtimeMs int64
	Mode    os.FileMode
}

// Store commits a task's output files under keyHex. Errors are logged and
// swallowed: a failed store simply means the next build won't get a
// shared-cache hit for this key, it must never fail the task that
// produced the outputs.
func (c *Cache) Store(keyHex string, inputs []StoreInput, timeCostMs int64) {
	if err := c.store(keyHex, inputs, timeCostMs); err != nil {
		c.Logger.Warn("shared cache store failed, degrading to no-op", "key", keyHex, "err", err)
	}
	if c.HighWaterMarkBytes > 0 {
		if size, err := c.totalSize(); err == nil && size > c.HighWaterMarkBytes {
			if err := c.prune(); err != nil {
				c.Logger.Warn("LRU prune failed", "err", err)
			}
		}
	}
}

func (c *Cache) store(keyHex string, inputs []StoreInput, timeCostMs int64) error {
	manifest := Manifest{
		SchemaVersion: SchemaVersion,
		CacheKey:      keyHex,
		ProducedAtMs:  time.Now().UnixMilli(),
		TimeCostMs:    timeCostMs,
		StoredBy:      StoredBy{PID: os.Getpid(), Host: hostname()},
	}

	for _, in := range inputs {
		dst := c.contentPath(in.Sha256)
		if !dst.FileExists() {
			tmp := dst.Dir().Join(in.Sha256 + ".tmp-" + uuid.NewString())
			if err := in.AbsPath.CopyFile(tmp, 0644); err != nil {
				return errors.Wrapf(err, "copying output %s into cache", in.RelPath)
			}
			// Commit by rename; if another writer raced us and created the
			// same content-addressed file first, discard our copy -- the
			// bytes are identical by construction (same sha256).
			if err := os.Rename(tmp.String(), dst.String()); err != nil {
				_ = tmp.Remove()
				if !dst.FileExists() {
					return errors.Wrapf(err, "committing content file %s", in.Sha256)
				}
			}
		}
		manifest.OutputFiles = append(manifest.OutputFiles, OutputFile{
			RelPath: in.RelPath, Sha256: in.Sha256, Size: in.Size, MtimeMs: in.MtimeMs, Mode: in.Mode,
		})
	}
	sort.Slice(manifest.OutputFiles, func(i, j int) bool { return manifest.OutputFiles[i].RelPath < manifest.OutputFiles[j].RelPath })

	b, err := json.Marshal(manifest)
	if err != nil {
		return errors.Wrap(err, "marshaling manifest")
	}
	// Two processes racing to store the same key race on this rename; the
	// loser's manifest is byte-identical by construction (same CacheKey
	// input, same algorithm), so silently losing the race is correct.
	if err := c.manifestPath(keyHex).WriteFileAtomic(b, 0644); err != nil {
		return errors.Wrap(err, "writing manifest")
	}

	c.appendRecent(keyHex)
	return nil
}

func (c *Cache) appendRecent(keyHex string) {
	line := fmt.Sprintf("%s %d\n", keyHex, time.Now().UnixMilli())
	f, err := os.OpenFile(c.recentLogPath().String(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		if err := c.recentLogPath().EnsureDir(); err == nil {
			f, err = os.OpenFile(c.recentLogPath().String(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		}
		if err != nil {
			c.Logger.Warn("failed to append LRU hint", "err", err)
			return
		}
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// Restore copies (or hardlinks) every file in m.OutputFiles into packageDir
// and resets its mtime to the value captured at store time. Restoring
// mtimes is mandatory: incremental compilers (tsc's .tsbuildinfo in
// particular) key off mtimes to decide whether to recompile, and fresh
// timestamps on restored outputs would cascade into downstream rebuilds.
func (c *Cache) Restore(keyHex string, m *Manifest, packageDir fspath.AbsoluteSystemPath) error {
	for _, of := range m.OutputFiles {
		src := c.contentPath(of.Sha256)
		dst := packageDir.Join(filepath.FromSlash(of.RelPath))
		if err := dst.Dir().MkdirAll(fspath.DirPermissions); err != nil {
			return errors.Wrapf(err, "creating parent dir for %s", of.RelPath)
		}
		_ = dst.Remove() // hardlink/rename both fail if dst already exists
		mode := of.Mode
		if mode == 0 {
			mode = 0644
		}
		if err := src.Link(dst); err != nil {
			if err := src.CopyFile(dst, mode); err != nil {
				return errors.Wrapf(err, "restoring %s", of.RelPath)
			}
		}
		if err := dst.Chtimes(of.MtimeMs, of.MtimeMs); err != nil {
			return errors.Wrapf(err, "restoring mtime for %s", of.RelPath)
		}
	}
	return nil
}

func (c *Cache) totalSize() (int64, error) {
	var total int64
	filesRoot := c.Directory.Join("v1", "entries", "files")
	err := filepath.Walk(filesRoot.String(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
