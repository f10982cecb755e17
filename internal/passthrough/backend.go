// Copyright 2024 The SDBTreeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package passthrough implements the pass-through backend: the
// datadir-rooted forwarder for everything that isn't block content —
// canonicalization, directory and metadata operations, and opening the
// backing content files that internal/blockio wraps with encryption.
package passthrough

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Backend forwards filesystem operations onto datadir, the directory a
// mount's plaintext content actually lives under.
type Backend struct {
	fs      afero.Fs
	datadir string
}

// New returns a Backend rooted at datadir on fsys. datadir is created if
// it doesn't already exist.
func New(fsys afero.Fs, datadir string) (*Backend, error) {
	if err := fsys.MkdirAll(datadir, 0o755); err != nil {
		return nil, err
	}
	return &Backend{fs: fsys, datadir: datadir}, nil
}

// NewOS is a convenience constructor for the common case of a datadir on
// the local filesystem.
func NewOS(datadir string) (*Backend, error) {
	return New(afero.NewOsFs(), datadir)
}

// Canonicalize joins path onto the backend's datadir and cleans it. Every
// Backend method resolves its on-disk location through it; the namespace
// map does not call it, so FileId lookups use the mount-relative path as
// given.
func (b *Backend) Canonicalize(path string) string {
	return filepath.Join(b.datadir, filepath.Clean("/"+path))
}

// Datadir returns the backend's root directory.
func (b *Backend) Datadir() string { return b.datadir }

// Mkdir creates a directory, OR-ing mode with 0o666 as the VFS adapter
// does for every mode-bearing creation call.
func (b *Backend) Mkdir(path string, mode fs.FileMode) error {
	return b.fs.Mkdir(b.Canonicalize(path), mode|0o666)
}

// Rmdir removes an (empty) directory.
func (b *Backend) Rmdir(path string) error {
	return b.fs.Remove(b.Canonicalize(path))
}

// Unlink removes a regular file's backing content.
func (b *Backend) Unlink(path string) error {
	return b.fs.Remove(b.Canonicalize(path))
}

// Chmod changes a path's permission bits, OR-ing mode with 0o666 as
// Create and Mkdir do, so a later mediated write through the backend's
// own pass-through ownership never gets locked out by a caller's chmod.
func (b *Backend) Chmod(path string, mode fs.FileMode) error {
	return b.fs.Chmod(b.Canonicalize(path), mode|0o666)
}

// Chown changes a path's owning uid/gid.
func (b *Backend) Chown(path string, uid, gid int) error {
	return b.fs.Chown(b.Canonicalize(path), uid, gid)
}

// Stat returns file info for path, following a symlink at path.
func (b *Backend) Stat(path string) (fs.FileInfo, error) {
	return b.fs.Stat(b.Canonicalize(path))
}

// Lstat returns file info for path without following a symlink at path.
// It goes through the injected afero.Fs via the optional Lstater
// interface (which OsFs implements) so that metadata reads honor
// whatever backend a mount was built on; a backend with no Lstater
// (e.g. MemMapFs, which has no symlinks to not-follow anyway) falls
// back to a plain Stat.
func (b *Backend) Lstat(path string) (fs.FileInfo, error) {
	full := b.Canonicalize(path)
	if lstater, ok := b.fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(full)
		return info, err
	}
	return b.fs.Stat(full)
}

// Readdir lists the entries of the directory at path.
func (b *Backend) Readdir(path string) ([]fs.FileInfo, error) {
	return afero.ReadDir(b.fs, b.Canonicalize(path))
}

// Access checks path exists (the pass-through stands in for a real
// permission check, mirroring the original's delegation to the backend).
func (b *Backend) Access(path string) error {
	_, err := b.Stat(path)
	return err
}

// Rename moves the backing content/directory at from to to.
func (b *Backend) Rename(from, to string) error {
	return b.fs.Rename(b.Canonicalize(from), b.Canonicalize(to))
}

// Link creates to as a hard link to from's backing content. It calls
// os.Link directly, bypassing the afero.Fs, so it works only against
// NewOS-backed backends.
func (b *Backend) Link(from, to string) error {
	return os.Link(b.Canonicalize(from), b.Canonicalize(to))
}

// Symlink creates to as a real on-disk symlink pointing at from's backing
// path. Like Link and Statfs, this bypasses the afero.Fs indirection the
// other Backend methods use: afero has no portable symlink abstraction (MemMapFs
// cannot represent one at all), so Symlink/Readlink talk to the OS
// directly and are exercised only against NewOS-backed backends.
func (b *Backend) Symlink(from, to string) error {
	return os.Symlink(b.Canonicalize(from), b.Canonicalize(to))
}

// Readlink returns the target a symlink at path points to.
func (b *Backend) Readlink(path string) (string, error) {
	return os.Readlink(b.Canonicalize(path))
}

// Create opens path's backing content file for writing, creating it if
// necessary, OR-ing mode with 0o666.
func (b *Backend) Create(path string, mode fs.FileMode) (afero.File, error) {
	return b.fs.OpenFile(b.Canonicalize(path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode|0o666)
}

// Open opens path's backing content file read-write for an existing file.
func (b *Backend) Open(path string) (afero.File, error) {
	return b.fs.OpenFile(b.Canonicalize(path), os.O_RDWR, 0)
}

// Truncate changes a backing content file's raw size directly (the VFS
// adapter computes the correct padded raw size before calling this).
func (b *Backend) Truncate(path string, size int64) error {
	f, err := b.fs.OpenFile(b.Canonicalize(path), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// Statfs returns filesystem-level usage statistics for the datadir,
// forwarded verbatim from the underlying mount.
func (b *Backend) Statfs() (total, free uint64, err error) {
	var st statfsT
	if err := statfs(b.datadir, &st); err != nil {
		return 0, 0, err
	}
	return st.total, st.free, nil
}
