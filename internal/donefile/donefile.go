// Package donefile is the local same-machine cache tier: one opaque-hex
// marker file per leaf task, co-located inside the package directory so
// that cleaning a package's outputs cleans its donefiles with them.
package donefile

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sail-build/sail/internal/fspath"
)

// InputHash is one input file's content digest, keyed by its path relative
// to the package directory.
type InputHash struct {
	Path string
	Hash string
}

// filenameSuffix is shared with `sail clean`, which sweeps by it.
const filenameSuffix = ".done.build.log"

// filenameHash derives the donefile's filename from the task's identity
// alone, so the same task always consults the same file across runs
// regardless of what its inputs currently hash to.
func filenameHash(taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	return hex.EncodeToString(sum[:])
}

// Path returns the donefile location for taskID inside packageDir.
func Path(packageDir fspath.AbsoluteSystemPath, taskID string) fspath.AbsoluteSystemPath {
	return packageDir.Join(filenameHash(taskID) + filenameSuffix)
}

// ContentHash computes the donefile's content: a single sha256 over a
// canonical serialization of the sorted input hashes and the sorted
// upstream donefile contents. Callers don't need to pre-sort; ContentHash
// sorts defensively so identical sets always hash identically regardless
// of traversal order.
func ContentHash(inputs []InputHash, upstreamDonefileContents []string) string {
	sortedInputs := make([]InputHash, len(inputs))
	copy(sortedInputs, inputs)
	sort.Slice(sortedInputs, func(i, j int) bool { return sortedInputs[i].Path < sortedInputs[j].Path })

	sortedUpstream := make([]string, len(upstreamDonefileContents))
	copy(sortedUpstream, upstreamDonefileContents)
	sort.Strings(sortedUpstream)

	h := sha256.New()
	for _, in := range sortedInputs {
		h.Write([]byte(in.Path))
		h.Write([]byte{0})
		h.Write([]byte(in.Hash))
		h.Write([]byte{0})
	}
	for _, c := range sortedUpstream {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Check reports whether the donefile for taskID exists and its stored
// content equals expected (a hit). A missing file or read error is
// reported as a miss, never a hard error -- this tier is advisory.
func Check(packageDir fspath.AbsoluteSystemPath, taskID string, expected string) bool {
	content, ok, _ := Read(packageDir, taskID)
	return ok && content == expected
}

// Read returns a donefile's stored content, if present.
func Read(packageDir fspath.AbsoluteSystemPath, taskID string) (string, bool, error) {
	p := Path(packageDir, taskID)
	if !p.FileExists() {
		return "", false, nil
	}
	b, err := p.ReadFile()
	if err != nil {
		return "", false, errors.Wrap(err, "reading donefile")
	}
	return strings.TrimSpace(string(b)), true, nil
}

// Write atomically (temp + rename) stores content as taskID's donefile.
// Only writing after the command succeeds and all outputs exist is the
// caller's responsibility -- Write itself has no opinion about when it's
// called.
func Write(packageDir fspath.AbsoluteSystemPath, taskID string, content string) error {
	p := Path(packageDir, taskID)
	if err := packageDir.MkdirAll(fspath.DirPermissions); err != nil {
		return errors.Wrap(err, "creating package directory")
	}
	if err := p.WriteFileAtomic([]byte(content), 0644); err != nil {
		return errors.Wrap(err, "writing donefile")
	}
	return nil
}

// Remove deletes taskID's donefile, if present. Used by `sail clean`.
func Remove(packageDir fspath.AbsoluteSystemPath, taskID string) error {
	p := Path(packageDir, taskID)
	if !p.FileExists() {
		return nil
	}
	return p.Remove()
}
