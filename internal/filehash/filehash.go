// Package filehash holds a process-lifetime {size, mtimeMs, sha256} cache
// keyed by absolute path, and the glob expansion that turns a task's
// declared input patterns into a concrete file set. A single lockfile or
// tsconfig may be read by dozens of tasks in one build; the cache makes
// each byte-read happen once.
package filehash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sail-build/sail/internal/fspath"
)

type entry struct {
	size    int64
	mtimeMs int64
	sha     string
}

// Cache memoizes file content hashes for the lifetime of one build
// invocation. A stat whose (size, mtimeMs) matches the cached entry skips
// rehashing entirely; this is the same stat-before-read shortcut
// incremental compilers use, applied to our own input hashing instead of
// trusting theirs.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// HashFile returns the sha256 hex digest of path's contents, consulting (and
// updating) the cache by (size, mtimeMs).
func (c *Cache) HashFile(path fspath.AbsoluteSystemPath) (string, error) {
	info, err := os.Stat(path.String())
	if err != nil {
		return "", errors.Wrapf(err, "stat %s", path)
	}
	mtimeMs := info.ModTime().UnixNano() / int64(1e6)

	c.mu.RLock()
	if e, ok := c.entries[path.String()]; ok && e.size == info.Size() && e.mtimeMs == mtimeMs {
		c.mu.RUnlock()
		return e.sha, nil
	}
	c.mu.RUnlock()

	sha, err := sha256File(path.String())
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[path.String()] = entry{size: info.Size(), mtimeMs: mtimeMs, sha: sha}
	c.mu.Unlock()
	return sha, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFiles expands patterns (rooted at packageDir, "!"-prefixed entries
// exclude) into a concrete file list and hashes each one concurrently,
// bounded by concurrency. The result maps each matched file's
// slash-separated path (relative to packageDir) to its content hash.
func (c *Cache) HashFiles(ctx context.Context, packageDir fspath.AbsoluteSystemPath, patterns []string, concurrency int) (map[string]string, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	files, err := ExpandGlobs(packageDir, patterns)
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(files))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)
	for _, rel := range files {
		rel := rel
		select {
		case <-gctx.Done():
			return nil, gctx.Err()
		case sem <- struct{}{}:
		}
		g.Go(func() error {
			defer func() { <-sem }()
			sha, err := c.HashFile(packageDir.Join(filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			mu.Lock()
			result[rel] = sha
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// ExpandGlobs walks packageDir and returns the slash-separated relative
// paths of every regular file matched by at least one non-"!" pattern and
// by none of the "!"-prefixed exclusion patterns. Returned paths are
// sorted for deterministic hashing order.
func ExpandGlobs(packageDir fspath.AbsoluteSystemPath, patterns []string) ([]string, error) {
	var includes, excludes []glob.Glob
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			g, err := glob.Compile(p[1:], '/')
			if err != nil {
				return nil, errors.Wrapf(err, "invalid exclude pattern %q", p)
			}
			excludes = append(excludes, g)
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(err, "invalid input pattern %q", p)
		}
		includes = append(includes, g)
	}
	if len(includes) == 0 {
		return nil, nil
	}

	var matches []string
	walkErr := godirwalk.Walk(packageDir.String(), &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				base := filepath.Base(osPathname)
				if base == "node_modules" || base == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(packageDir.String(), osPathname)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			matched := false
			for _, g := range includes {
				if g.Match(rel) {
					matched = true
					break
				}
			}
			if !matched {
				return nil
			}
			for _, g := range excludes {
				if g.Match(rel) {
					return nil
				}
			}
			matches = append(matches, rel)
			return nil
		},
	})
	if walkErr != nil {
		if os.IsNotExist(walkErr) {
			return nil, nil
		}
		return nil, errors.Wrapf(walkErr, "walking %s", packageDir)
	}

	sort.Strings(matches)
	return matches, nil
}
