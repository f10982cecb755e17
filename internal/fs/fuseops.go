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

package fs

import (
	"context"
	"crypto/rand"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/afero"

	"github.com/lemosyne/sdbtreefs/internal/cipher"
	"github.com/lemosyne/sdbtreefs/internal/fileview"
	"github.com/lemosyne/sdbtreefs/internal/logger"
	"github.com/lemosyne/sdbtreefs/internal/namespace"
)

// Node is the VFS adapter (C9): a go-fuse InodeEmbedder that holds no
// per-path state of its own. Its canonical path is always rederived via
// Path(nil), and every identity/content question is answered by asking the
// aggregate FileSystem's components — C7 for FileIds, C3/C4/C5 for block
// content — per spec.md §4.7's "the namespace map is the single source of
// truth for file identity" design.
type Node struct {
	gofuse.Inode
	fsys *FileSystem
}

var (
	_ gofuse.NodeLookuper   = (*Node)(nil)
	_ gofuse.NodeGetattrer  = (*Node)(nil)
	_ gofuse.NodeSetattrer  = (*Node)(nil)
	_ gofuse.NodeMkdirer    = (*Node)(nil)
	_ gofuse.NodeRmdirer    = (*Node)(nil)
	_ gofuse.NodeUnlinker   = (*Node)(nil)
	_ gofuse.NodeCreater    = (*Node)(nil)
	_ gofuse.NodeOpener     = (*Node)(nil)
	_ gofuse.NodeLinker     = (*Node)(nil)
	_ gofuse.NodeSymlinker  = (*Node)(nil)
	_ gofuse.NodeReadlinker = (*Node)(nil)
	_ gofuse.NodeRenamer    = (*Node)(nil)
	_ gofuse.NodeOpendirer  = (*Node)(nil)
	_ gofuse.NodeReaddirer  = (*Node)(nil)
	_ gofuse.NodeStatfser   = (*Node)(nil)
	_ gofuse.NodeAccesser   = (*Node)(nil)
)

func (n *Node) path() string {
	return n.Path(nil)
}

func (n *Node) child(name string) string {
	p := n.path()
	if p == "" || p == "/" {
		return "/" + name
	}
	return p + "/" + name
}

// pseudoIno hashes a directory's canonical path into a stable inode number.
// Directories carry no FileId (C7 only tracks regular files/symlinks), so
// they need some other source of a stable Ino for the kernel's attribute
// cache.
func pseudoIno(path string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return h.Sum64()
}

// recordSize returns the on-disk size of one (IV || ciphertext) block
// record.
func (fsys *FileSystem) recordSize() int64 {
	return int64(fsys.cfg.BlockSize) + int64(fsys.cipher.IVLen())
}

// plaintextSize applies the size-correction formula of spec.md §4.9: a raw
// on-disk size is the sum of whole (IV || ciphertext) records, so the
// logical plaintext size has one IV's worth of padding subtracted per
// record.
func (fsys *FileSystem) plaintextSize(raw int64) int64 {
	if raw <= 0 {
		return 0
	}
	rs := fsys.recordSize()
	records := (raw + rs - 1) / rs
	return raw - records*int64(fsys.cipher.IVLen())
}

// stableAttrFor builds the StableAttr for a looked-up or newly created path:
// directories get a path-hashed pseudo-ino, regular files and symlinks use
// their C7 FileId directly so hard-linked paths share one Ino.
func stableAttrFor(path string, info fs.FileInfo, fileID uint64, hasID bool) gofuse.StableAttr {
	mode := uint32(info.Mode().Perm())
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		mode |= fuse.S_IFLNK
	case info.IsDir():
		mode |= fuse.S_IFDIR
	default:
		mode |= fuse.S_IFREG
	}
	ino := pseudoIno(path)
	if hasID {
		ino = fileID
	}
	return gofuse.StableAttr{Mode: mode, Ino: ino}
}

// Lookup resolves name under n, distinguishing directories (no C7 entry,
// pseudo-ino) from regular files/symlinks (C7-resolved FileId as Ino), per
// spec.md §4.7.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	path := n.child(name)
	info, err := n.fsys.backend.Lstat(path)
	if err != nil {
		return nil, errnoFor(err)
	}

	var fileID uint64
	hasID := false
	if !info.IsDir() {
		id, err := n.fsys.ns.Resolve(path)
		if err != nil {
			return nil, errnoFor(err)
		}
		fileID, hasID = id, true
	}

	attr := stableAttrFor(path, info, fileID, hasID)
	child := n.NewInode(ctx, &Node{fsys: n.fsys}, attr)
	out.Attr.Mode = attr.Mode
	out.Attr.Ino = attr.Ino
	size := info.Size()
	if !info.IsDir() {
		size = n.fsys.plaintextSize(size)
	}
	out.Attr.Size = uint64(size)
	return child, 0
}

// Getattr reports attributes for n itself, applying the size-correction
// formula for regular files.
func (n *Node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	path := n.path()
	info, err := n.fsys.backend.Lstat(path)
	if err != nil {
		return errnoFor(err)
	}
	out.Mode = uint32(info.Mode().Perm())
	size := info.Size()
	if !info.IsDir() {
		size = n.fsys.plaintextSize(size)
	}
	out.Size = uint64(size)
	return 0
}

// Setattr handles chmod, chown, and truncate.
func (n *Node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	path := n.path()

	if mode, ok := in.GetMode(); ok {
		if err := n.fsys.backend.Chmod(path, fs.FileMode(mode&0o7777)); err != nil {
			return errnoFor(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if err := n.fsys.backend.Chown(path, u, g); err != nil {
			return errnoFor(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if err := n.fsys.truncateLocked(path, int64(size)); err != nil {
			return errnoFor(err)
		}
	}

	info, err := n.fsys.backend.Lstat(path)
	if err != nil {
		return errnoFor(err)
	}
	rawSize := info.Size()
	logicalSize := rawSize
	if !info.IsDir() {
		logicalSize = n.fsys.plaintextSize(rawSize)
	}
	out.Mode = uint32(info.Mode().Perm())
	out.Size = uint64(logicalSize)
	return 0
}

// truncateLocked implements the resize algorithm of spec.md §4.9/§9. It
// cannot reuse blockio.ReadWriteSeeker.Write for the final, possibly
// shortened block: that method's live-length rule only ever grows a
// record, so shrinking the tail requires hand-building the last partial
// block's ciphertext directly under a freshly rotated key and IV.
func (fsys *FileSystem) truncateLocked(path string, newSize int64) error {
	fileID, err := fsys.ns.Resolve(path)
	if err != nil {
		return err
	}
	view := fileview.New(fileID, fsys.tree)
	blockSize := int64(fsys.cfg.BlockSize)
	ivLen := int64(fsys.cipher.IVLen())
	recordSize := blockSize + ivLen

	backing, err := fsys.backend.Open(path)
	if err != nil {
		return err
	}
	defer backing.Close()

	oldInfo, err := backing.Stat()
	if err != nil {
		return err
	}
	oldRawSize := oldInfo.Size()

	var rawSize int64
	if newSize > 0 {
		lastBlock := uint64((newSize - 1) / blockSize)
		tail := newSize - int64(lastBlock)*blockSize

		// Growing past the old end-of-file must not leave a sparse gap:
		// every record needs its own IV, so any block between the old
		// last record and the new one is materialized here as
		// (fresh IV, encrypted zeros) rather than left as raw zero bytes
		// that would decrypt to keystream garbage on a later read.
		if oldRawSize > 0 {
			oldLastBlock := uint64((oldRawSize - 1) / recordSize)
			if lastBlock > oldLastBlock {
				if err := zeroFillBlocks(backing, view, fsys.cipher, oldLastBlock+1, lastBlock, blockSize, ivLen); err != nil {
					return err
				}
			}
		} else if lastBlock > 0 {
			if err := zeroFillBlocks(backing, view, fsys.cipher, 0, lastBlock, blockSize, ivLen); err != nil {
				return err
			}
		}

		existing, err := readRawBlock(backing, view, fsys.cipher, lastBlock, blockSize, ivLen)
		if err != nil {
			return err
		}
		plaintext := make([]byte, tail)
		copy(plaintext, existing)

		key, err := view.Update(lastBlock)
		if err != nil {
			return err
		}
		iv := make([]byte, ivLen)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return err
		}
		ciphertext, err := fsys.cipher.Encrypt(key, iv, plaintext)
		if err != nil {
			return err
		}
		if _, err := backing.Seek(int64(lastBlock)*recordSize, io.SeekStart); err != nil {
			return err
		}
		if _, err := backing.Write(iv); err != nil {
			return err
		}
		if _, err := backing.Write(ciphertext); err != nil {
			return err
		}

		for b := lastBlock + 1; ; b++ {
			_, existed, err := view.Remove(b)
			if err != nil {
				return err
			}
			if !existed {
				break
			}
		}

		rawSize = int64(lastBlock)*recordSize + ivLen + tail
	} else {
		for b := uint64(0); ; b++ {
			_, existed, err := view.Remove(b)
			if err != nil {
				return err
			}
			if !existed {
				break
			}
		}
	}

	if err := backing.Close(); err != nil {
		return err
	}
	return fsys.backend.Truncate(path, rawSize)
}

// zeroFillBlocks materializes every block in [from, to) as a fresh
// (IV, encrypted zeros) record, per the non-sparse-holes rule: a record
// that was never explicitly written must not be left as raw zero bytes,
// since those decrypt to keystream garbage rather than zeros.
func zeroFillBlocks(backing afero.File, view *fileview.View, cap cipher.Capability, from, to uint64, blockSize, ivLen int64) error {
	recordSize := blockSize + ivLen
	zeros := make([]byte, blockSize)
	for b := from; b < to; b++ {
		key, err := view.Update(b)
		if err != nil {
			return err
		}
		iv := make([]byte, ivLen)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return err
		}
		ciphertext, err := cap.Encrypt(key, iv, zeros)
		if err != nil {
			return err
		}
		if _, err := backing.Seek(int64(b)*recordSize, io.SeekStart); err != nil {
			return err
		}
		if _, err := backing.Write(iv); err != nil {
			return err
		}
		if _, err := backing.Write(ciphertext); err != nil {
			return err
		}
	}
	return nil
}

// readRawBlock fetches and decrypts block b, returning nil (not an error)
// if the block was never written.
func readRawBlock(backing afero.File, view *fileview.View, cap cipher.Capability, b uint64, blockSize, ivLen int64) ([]byte, error) {
	recordSize := blockSize + ivLen
	if _, err := backing.Seek(int64(b)*recordSize, io.SeekStart); err != nil {
		return nil, err
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(backing, iv); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, err
	}
	ciphertext := make([]byte, blockSize)
	n, err := io.ReadFull(backing, ciphertext)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	ciphertext = ciphertext[:n]

	key, err := view.Derive(b)
	if err != nil {
		return nil, err
	}
	return cap.Decrypt(key, iv, ciphertext)
}

// Mkdir forwards straight to the backend: directories carry no FileId and
// are never tracked in the namespace map, per spec.md §4.7.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	path := n.child(name)
	if err := n.fsys.backend.Mkdir(path, fs.FileMode(mode&0o7777)); err != nil {
		return nil, errnoFor(err)
	}
	info, err := n.fsys.backend.Lstat(path)
	if err != nil {
		return nil, errnoFor(err)
	}
	attr := stableAttrFor(path, info, 0, false)
	out.Attr.Mode = attr.Mode
	out.Attr.Ino = attr.Ino
	return n.NewInode(ctx, &Node{fsys: n.fsys}, attr), 0
}

// Rmdir forwards straight to the backend.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()
	return errnoFor(n.fsys.backend.Rmdir(n.child(name)))
}

// Unlink removes the backing content first, then updates C7, logging (not
// rolling back) a post-success divergence per spec.md §7.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	path := n.child(name)
	if err := n.fsys.backend.Unlink(path); err != nil {
		return errnoFor(err)
	}

	id, orphaned, err := n.fsys.ns.Unlink(path)
	if err != nil {
		logger.Op("fs", "unlink", path).WithError(err).Warn("namespace diverged from backend after unlink")
		return 0
	}
	if orphaned {
		if err := n.fsys.alloc.Dealloc(id); err != nil {
			logger.Op("fs", "unlink", path).WithError(err).Error("deallocate orphaned file id")
		}
		view := fileview.New(id, n.fsys.tree)
		for b := uint64(0); ; b++ {
			_, existed, err := view.Remove(b)
			if err != nil {
				logger.Op("fs", "unlink", path).WithError(err).Error("purge orphaned file blocks")
				break
			}
			if !existed {
				break
			}
		}
	}
	return 0
}

// Create allocates a fresh FileId for a brand-new regular file, mapping it
// in C7 before returning the open file handle.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	path := n.child(name)
	if _, err := n.fsys.ns.Resolve(path); err == nil {
		return nil, nil, 0, syscall.EEXIST
	}

	backing, err := n.fsys.backend.Create(path, fs.FileMode(mode&0o7777))
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}

	fileID := n.fsys.alloc.Alloc()
	if err := n.fsys.ns.Create(path, fileID); err != nil {
		backing.Close()
		n.fsys.backend.Unlink(path)
		_ = n.fsys.alloc.Dealloc(fileID)
		return nil, nil, 0, errnoFor(err)
	}

	info, err := n.fsys.backend.Lstat(path)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	attr := stableAttrFor(path, info, fileID, true)
	out.Attr.Mode = attr.Mode
	out.Attr.Ino = attr.Ino

	child := n.NewInode(ctx, &Node{fsys: n.fsys}, attr)
	handle := newFileHandle(n.fsys, fileID, backing)
	return child, handle, 0, 0
}

// Open resolves n's FileId through C7 and constructs an ephemeral C5 stream
// over a freshly opened backing file, per spec.md §4.9.
func (n *Node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	path := n.path()
	fileID, err := n.fsys.ns.Resolve(path)
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	backing, err := n.fsys.backend.Open(path)
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	return newFileHandle(n.fsys, fileID, backing), 0, 0
}

// Link creates a hard link at name, aliasing it onto the same FileId as
// target (and therefore the same backing ciphertext) in both the backend
// and C7.
func (n *Node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	targetNode, ok := target.EmbeddedInode().Operations().(*Node)
	if !ok {
		return nil, syscall.EINVAL
	}
	from := targetNode.path()
	to := n.child(name)

	if err := n.fsys.backend.Link(from, to); err != nil {
		return nil, errnoFor(err)
	}
	fileID, err := n.fsys.ns.Link(from, to)
	if err != nil {
		logger.Op("fs", "link", to).WithError(err).Warn("namespace diverged from backend after link")
		return nil, errnoFor(err)
	}

	info, err := n.fsys.backend.Lstat(to)
	if err != nil {
		return nil, errnoFor(err)
	}
	attr := stableAttrFor(to, info, fileID, true)
	out.Attr.Mode = attr.Mode
	out.Attr.Ino = attr.Ino
	return n.NewInode(ctx, &Node{fsys: n.fsys}, attr), 0
}

// Symlink creates a real OS-level symlink whose target resolves to the
// same backing content file, then aliases name onto target's FileId in C7
// — SDBTreeFS's symlinks share ciphertext with their targets rather than
// storing a separate encrypted target string.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	to := n.child(name)
	from := target
	if !isAbs(target) {
		from = n.child(target)
	}

	if err := n.fsys.backend.Symlink(from, to); err != nil {
		return nil, errnoFor(err)
	}
	fileID, err := n.fsys.ns.Symlink(from, to)
	if err != nil {
		logger.Op("fs", "symlink", to).WithError(err).Warn("namespace diverged from backend after symlink")
		return nil, errnoFor(err)
	}

	info, err := n.fsys.backend.Lstat(to)
	if err != nil {
		return nil, errnoFor(err)
	}
	attr := stableAttrFor(to, info, fileID, true)
	out.Attr.Mode = attr.Mode
	out.Attr.Ino = attr.Ino
	return n.NewInode(ctx, &Node{fsys: n.fsys}, attr), 0
}

func isAbs(p string) bool {
	return len(p) > 0 && p[0] == '/'
}

// Readlink returns the real on-disk symlink target.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	target, err := n.fsys.backend.Readlink(n.path())
	if err != nil {
		return nil, errnoFor(err)
	}
	return []byte(target), 0
}

// Rename moves the backend entry first, then conditionally updates C7: a
// directory rename has no C7 entry to move, so the namespace update is
// skipped when the source path never resolved in the first place.
func (n *Node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	from := n.child(name)
	newParentNode, ok := newParent.EmbeddedInode().Operations().(*Node)
	if !ok {
		return syscall.EINVAL
	}
	to := newParentNode.child(newName)

	if err := n.fsys.backend.Rename(from, to); err != nil {
		return errnoFor(err)
	}

	if _, err := n.fsys.ns.Resolve(from); err != nil {
		var mapErr namespace.MappingError
		if asMappingError(err, &mapErr) {
			return 0
		}
		return errnoFor(err)
	}
	if _, err := n.fsys.ns.Rename(from, to); err != nil {
		logger.Op("fs", "rename", to).WithError(err).Warn("namespace diverged from backend after rename")
	}
	return 0
}

func asMappingError(err error, target *namespace.MappingError) bool {
	me, ok := err.(namespace.MappingError)
	if ok {
		*target = me
	}
	return ok
}

// Opendir is a no-op: directory listings are read fresh from the backend
// on every Readdir.
func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	return 0
}

// Readdir lists n's backend directory entries.
func (n *Node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	infos, err := n.fsys.backend.Readdir(n.path())
	if err != nil {
		return nil, errnoFor(err)
	}
	entries := make([]fuse.DirEntry, 0, len(infos))
	for _, info := range infos {
		mode := uint32(info.Mode().Perm())
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			mode |= fuse.S_IFLNK
		case info.IsDir():
			mode |= fuse.S_IFDIR
		default:
			mode |= fuse.S_IFREG
		}
		entries = append(entries, fuse.DirEntry{Name: info.Name(), Mode: mode})
	}
	return gofuse.NewListDirStream(entries), 0
}

// Statfs reports datadir-level usage statistics in units of the mount's
// block size.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()

	total, free, err := n.fsys.backend.Statfs()
	if err != nil {
		return errnoFor(err)
	}
	bs := uint64(n.fsys.cfg.BlockSize)
	out.Blocks = total / bs
	out.Bfree = free / bs
	out.Bavail = free / bs
	out.Bsize = uint32(bs)
	return 0
}

// Access checks that n's backing path still exists. SDBTreeFS delegates
// permission checks to the pass-through backend, matching the original's
// behavior.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()
	return errnoFor(n.fsys.backend.Access(n.path()))
}
