// Package fspath provides a thin typed wrapper over filesystem paths:
// an absolute path type plus the handful of atomic-write/EnsureDir
// idioms the cache and donefile layers share.
package fspath

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// AbsoluteSystemPath is a root-relative path using system separators. It is
// a distinct type, not a bare string, so callers can't accidentally treat a
// package-relative path as absolute or vice versa.
type AbsoluteSystemPath string

// New wraps an absolute path string. The caller is responsible for having
// resolved it (filepath.Abs) first.
func New(p string) AbsoluteSystemPath {
	return AbsoluteSystemPath(p)
}

func (p AbsoluteSystemPath) String() string { return string(p) }

// Join appends path segments.
func (p AbsoluteSystemPath) Join(segments ...string) AbsoluteSystemPath {
	parts := append([]string{string(p)}, segments...)
	return AbsoluteSystemPath(filepath.Join(parts...))
}

// Dir returns the parent directory.
func (p AbsoluteSystemPath) Dir() AbsoluteSystemPath {
	return AbsoluteSystemPath(filepath.Dir(string(p)))
}

// RelativeTo returns p expressed relative to base.
func (p AbsoluteSystemPath) RelativeTo(base AbsoluteSystemPath) (string, error) {
	return filepath.Rel(string(base), string(p))
}

// FileExists returns true if the path exists and is a regular file.
func (p AbsoluteSystemPath) FileExists() bool {
	info, err := os.Lstat(string(p))
	return err == nil && !info.IsDir()
}

// Exists returns true if the path exists at all (file, dir, or symlink).
func (p AbsoluteSystemPath) Exists() bool {
	_, err := os.Lstat(string(p))
	return err == nil
}

// EnsureDir ensures the parent directory of this path exists.
func (p AbsoluteSystemPath) EnsureDir() error {
	return os.MkdirAll(filepath.Dir(string(p)), DirPermissions)
}

// MkdirAll creates this path (and parents) as a directory.
func (p AbsoluteSystemPath) MkdirAll(perm os.FileMode) error {
	return os.MkdirAll(string(p), perm)
}

// DirPermissions are the default permission bits applied to directories
// created on behalf of the cache and donefile layers.
const DirPermissions = os.ModeDir | 0775

// ReadFile reads the whole file.
func (p AbsoluteSystemPath) ReadFile() ([]byte, error) {
	return ioutil.ReadFile(string(p))
}

// WriteFile writes b to the path directly (not atomically). Callers that
// need atomicity (the donefile and shared cache do) use WriteFileAtomic
// instead.
func (p AbsoluteSystemPath) WriteFile(b []byte, perm os.FileMode) error {
	if err := p.EnsureDir(); err != nil {
		return err
	}
	return ioutil.WriteFile(string(p), b, perm)
}

// WriteFileAtomic writes b to a temp file in the same directory as p, then
// renames it into place. Rename on the same filesystem is the commit point:
// readers either see the old file or the fully-written new one, never a
// partial write.
func (p AbsoluteSystemPath) WriteFileAtomic(b []byte, perm os.FileMode) error {
	if err := p.EnsureDir(); err != nil {
		return err
	}
	tmp := p.Dir().Join(filepath.Base(string(p)) + ".tmp-" + uuid.NewString())
	if err := ioutil.WriteFile(string(tmp), b, perm); err != nil {
		_ = os.Remove(string(tmp))
		return err
	}
	if err := os.Rename(string(tmp), string(p)); err != nil {
		_ = os.Remove(string(tmp))
		return err
	}
	return nil
}

// Remove removes the path if it exists.
func (p AbsoluteSystemPath) Remove() error {
	return os.Remove(string(p))
}

// RemoveAll recursively removes the path and everything under it.
func (p AbsoluteSystemPath) RemoveAll() error {
	return os.RemoveAll(string(p))
}

// Stat returns the path's os.FileInfo.
func (p AbsoluteSystemPath) Stat() (os.FileInfo, error) {
	return os.Stat(string(p))
}

// Chtimes sets the path's access and modification times, given as Unix
// milliseconds (the unit cache manifests store mtimes in).
func (p AbsoluteSystemPath) Chtimes(atimeMs, mtimeMs int64) error {
	return os.Chtimes(string(p), time.UnixMilli(atimeMs), time.UnixMilli(mtimeMs))
}

// CopyFile copies p's contents (and mode bits) to dst, creating dst's
// parent directory if needed. Used by the shared cache's content-addressed
// store/restore, which can't always hardlink across filesystem boundaries.
func (p AbsoluteSystemPath) CopyFile(dst AbsoluteSystemPath, perm os.FileMode) error {
	if err := dst.EnsureDir(); err != nil {
		return err
	}
	src, err := os.Open(string(p))
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dst.Dir().Join(filepath.Base(string(dst)) + ".tmp-" + uuid.NewString())
	out, err := os.OpenFile(string(tmp), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		_ = os.Remove(string(tmp))
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(string(tmp))
		return err
	}
	if err := os.Rename(string(tmp), string(dst)); err != nil {
		_ = os.Remove(string(tmp))
		return err
	}
	return nil
}

// Link creates a hardlink at dst pointing at p's inode, if the underlying
// filesystem supports it.
func (p AbsoluteSystemPath) Link(dst AbsoluteSystemPath) error {
	if err := dst.EnsureDir(); err != nil {
		return err
	}
	return os.Link(string(p), string(dst))
}
