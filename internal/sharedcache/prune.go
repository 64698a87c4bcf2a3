package sharedcache

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
)

// keyTime pairs a cache key with its last-observed access time from
// recent.log.
type keyTime struct {
	key string
	at  time.Time
}

// prune is the LRU sweep: read recent.log, reduce to each key's latest
// access time, and delete the oldest entries (manifest first, then any
// content files exclusively referenced by that entry) until total size is
// back under LowWaterMarkBytes. A `nightlyone/lockfile` guards the
// critical section against two processes on the same machine racing to
// prune the same cache; the min-prune-age gate is the second line of
// defense for prunes that happen without the lock (a future non-Go client
// sharing the same cache dir).
func (c *Cache) prune() error {
	lock, err := lockfile.New(c.lockPath().String())
	if err != nil {
		return errors.Wrap(err, "constructing prune lock")
	}
	if err := c.lockPath().EnsureDir(); err != nil {
		return err
	}
	if err := lock.TryLock(); err != nil {
		// Another process is already pruning; that's fine, not an error --
		// we just skip this round.
		return nil
	}
	defer lock.Unlock()

	accessTimes, err := c.readRecentLog()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-c.MinPruneAge)
	candidates := make([]keyTime, 0, len(accessTimes))
	for k, t := range accessTimes {
		if t.After(cutoff) {
			continue // too young to prune; a concurrent restore may hold it open
		}
		candidates = append(candidates, keyTime{key: k, at: t})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })

	var pruned []keyTime
	for _, kt := range candidates {
		size, err := c.totalSize()
		if err != nil {
			return err
		}
		if size <= c.LowWaterMarkBytes {
			break
		}

		m, ok := c.Lookup(kt.key)
		if !ok {
			pruned = append(pruned, kt) // already gone or corrupt; still compact it out of the log
			continue
		}

		// Delete the manifest first: a content file must never be deleted
		// while a manifest referencing it still exists. Deleting the
		// manifest first makes this entry's content immediately eligible
		// for GC without ever exposing a manifest whose content is already
		// gone.
		if err := c.manifestPath(kt.key).Remove(); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing manifest %s", kt.key)
		}
		_ = c.entryDir(kt.key).RemoveAll()
		pruned = append(pruned, kt)

		stillReferenced, err := c.collectReferencedContent()
		if err != nil {
			return err
		}
		for _, of := range m.OutputFiles {
			if !stillReferenced[of.Sha256] {
				_ = c.contentPath(of.Sha256).Remove()
			}
		}
	}

	return c.rewriteRecentLog(pruned)
}

// collectReferencedContent returns the set of content-file sha256s still
// referenced by any manifest remaining on disk.
func (c *Cache) collectReferencedContent() (map[string]bool, error) {
	entriesDir := c.Directory.Join("v1", "entries")
	dirEntries, err := os.ReadDir(entriesDir.String())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, errors.Wrap(err, "listing cache entries")
	}

	refs := map[string]bool{}
	for _, de := range dirEntries {
		if !de.IsDir() || de.Name() == "files" {
			continue
		}
		m, ok := c.Lookup(de.Name())
		if !ok {
			continue
		}
		for _, of := range m.OutputFiles {
			refs[of.Sha256] = true
		}
	}
	return refs, nil
}

func (c *Cache) readRecentLog() (map[string]time.Time, error) {
	f, err := os.Open(c.recentLogPath().String())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]time.Time{}, nil
		}
		return nil, errors.Wrap(err, "reading recent.log")
	}
	defer f.Close()

	out := map[string]time.Time{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var key string
		var ms int64
		if _, err := fmt.Sscanf(scanner.Text(), "%s %d", &key, &ms); err != nil {
			continue // tolerate a truncated trailing line from a crash mid-append
		}
		t := time.UnixMilli(ms)
		if existing, ok := out[key]; !ok || t.After(existing) {
			out[key] = t
		}
	}
	return out, scanner.Err()
}

// rewriteRecentLog compacts recent.log down to the keys that survived this
// prune round, so the log doesn't grow without bound across many builds.
func (c *Cache) rewriteRecentLog(pruned []keyTime) error {
	all, err := c.readRecentLog()
	if err != nil {
		return err
	}
	for _, p := range pruned {
		delete(all, p.key)
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		buf = append(buf, k...)
		buf = append(buf, ' ')
		buf = append(buf, strconv.FormatInt(all[k].UnixMilli(), 10)...)
		buf = append(buf, '\n')
	}
	return c.recentLogPath().WriteFileAtomic(buf, 0644)
}
