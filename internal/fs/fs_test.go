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
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/afero"

	"github.com/lemosyne/sdbtreefs/internal/cipher"
	"github.com/lemosyne/sdbtreefs/internal/enclave"
	"github.com/lemosyne/sdbtreefs/internal/fileview"
	"github.com/lemosyne/sdbtreefs/internal/keytree/storage"
	"github.com/lemosyne/sdbtreefs/internal/passthrough"
)

// newTestFileSystem wires up an in-memory mount for exercising the VFS
// adapter without a real kernel mount, mirroring the teacher's own
// in-process FUSE node tests.
func newTestFileSystem(t *testing.T) (*FileSystem, *Node) {
	t.Helper()

	mem := afero.NewMemMapFs()
	backend, err := passthrough.New(mem, "/data")
	if err != nil {
		t.Fatalf("passthrough.New: %v", err)
	}
	store, err := storage.NewDirStore(mem, "/meta/tree")
	if err != nil {
		t.Fatalf("storage.NewDirStore: %v", err)
	}
	enc, err := enclave.Open(mem, "/meta/enclave", cipher.AES256KeyLen)
	if err != nil {
		t.Fatalf("enclave.Open: %v", err)
	}

	cfg := Config{BlockSize: 16, Degree: 4, Metadir: "/meta"}
	fsys, err := New(cfg, cipher.NewAESCTR(), store, mem, backend, enc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fsys, fsys.Root()
}

func TestRootReturnsNodeBoundToFileSystem(t *testing.T) {
	fsys, root := newTestFileSystem(t)
	if root.fsys != fsys {
		t.Fatalf("Root node is not bound to its FileSystem")
	}
}

func TestPlaintextSizeSubtractsOneIVPerRecord(t *testing.T) {
	fsys, _ := newTestFileSystem(t)
	ivLen := int64(fsys.cipher.IVLen())
	blockSize := int64(fsys.cfg.BlockSize)
	recordSize := blockSize + ivLen

	if got := fsys.plaintextSize(0); got != 0 {
		t.Fatalf("plaintextSize(0) = %d, want 0", got)
	}
	if got := fsys.plaintextSize(recordSize); got != blockSize {
		t.Fatalf("plaintextSize(recordSize) = %d, want %d", got, blockSize)
	}
	// A partial final record of ivLen+3 bytes holds 3 plaintext bytes.
	if got := fsys.plaintextSize(recordSize + ivLen + 3); got != blockSize+3 {
		t.Fatalf("plaintextSize(partial) = %d, want %d", got, blockSize+3)
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	_, root := newTestFileSystem(t)
	ctx := context.Background()

	var entryOut fuse.EntryOut
	_, fh, _, errno := root.Create(ctx, "hello.txt", 0, 0o644, &entryOut)
	if errno != 0 {
		t.Fatalf("Create: errno %v", errno)
	}
	handle := fh.(*fileHandle)

	data := []byte("hello, sdbtreefs")
	n, errno := handle.Write(ctx, data, 0)
	if errno != 0 {
		t.Fatalf("Write: errno %v", errno)
	}
	if int(n) != len(data) {
		t.Fatalf("Write returned %d, want %d", n, len(data))
	}

	dest := make([]byte, len(data))
	res, errno := handle.Read(ctx, dest, 0)
	if errno != 0 {
		t.Fatalf("Read: errno %v", errno)
	}
	out, _ := res.Bytes(nil)
	if string(out) != string(data) {
		t.Fatalf("Read returned %q, want %q", out, data)
	}

	if errno := handle.Release(ctx); errno != 0 {
		t.Fatalf("Release: errno %v", errno)
	}
}

func TestTruncateGrowZeroFillsInterveningBlocks(t *testing.T) {
	fsys, root := newTestFileSystem(t)
	ctx := context.Background()

	var entryOut fuse.EntryOut
	_, fh, _, errno := root.Create(ctx, "grow.txt", 0, 0o644, &entryOut)
	if errno != 0 {
		t.Fatalf("Create: errno %v", errno)
	}
	handle := fh.(*fileHandle)
	if _, errno := handle.Write(ctx, []byte("hi"), 0); errno != 0 {
		t.Fatalf("Write: errno %v", errno)
	}
	if errno := handle.Release(ctx); errno != 0 {
		t.Fatalf("Release: errno %v", errno)
	}

	blockSize := int64(fsys.cfg.BlockSize)
	ivLen := int64(fsys.cipher.IVLen())

	// Grow well past the single block already written, leaving blocks
	// 1 and 2 untouched by any explicit write.
	if err := fsys.truncateLocked("/grow.txt", blockSize*4+3); err != nil {
		t.Fatalf("truncateLocked: %v", err)
	}

	fileID, err := fsys.ns.Resolve("/grow.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	view := fileview.New(fileID, fsys.tree)

	backing, err := fsys.backend.Open("/grow.txt")
	if err != nil {
		t.Fatalf("backend.Open: %v", err)
	}
	defer backing.Close()

	for _, b := range []uint64{1, 2} {
		plaintext, err := readRawBlock(backing, view, fsys.cipher, b, blockSize, ivLen)
		if err != nil {
			t.Fatalf("readRawBlock(%d): %v", b, err)
		}
		want := make([]byte, blockSize)
		if string(plaintext) != string(want) {
			t.Fatalf("block %d = %x, want %d zero bytes", b, plaintext, blockSize)
		}
	}
}

func TestCreateDuplicatePathFails(t *testing.T) {
	_, root := newTestFileSystem(t)
	ctx := context.Background()

	var out fuse.EntryOut
	_, fh, _, errno := root.Create(ctx, "dup.txt", 0, 0o644, &out)
	if errno != 0 {
		t.Fatalf("first Create: errno %v", errno)
	}
	fh.(*fileHandle).Release(ctx)

	_, _, _, errno = root.Create(ctx, "dup.txt", 0, 0o644, &out)
	if errno != syscall.EEXIST {
		t.Fatalf("second Create errno = %v, want EEXIST", errno)
	}
}

func TestUnlinkOrphanDeallocatesID(t *testing.T) {
	fsys, root := newTestFileSystem(t)
	ctx := context.Background()

	var out fuse.EntryOut
	_, fh, _, errno := root.Create(ctx, "gone.txt", 0, 0o644, &out)
	if errno != 0 {
		t.Fatalf("Create: errno %v", errno)
	}
	fh.(*fileHandle).Release(ctx)

	if errno := root.Unlink(ctx, "gone.txt"); errno != 0 {
		t.Fatalf("Unlink: errno %v", errno)
	}
	if _, err := fsys.ns.Resolve("/gone.txt"); err == nil {
		t.Fatalf("path still resolves in namespace after unlink")
	}
}

func TestLinkSharesFileID(t *testing.T) {
	fsys, root := newTestFileSystem(t)
	ctx := context.Background()

	var out fuse.EntryOut
	childInode, fh, _, errno := root.Create(ctx, "a.txt", 0, 0o644, &out)
	if errno != 0 {
		t.Fatalf("Create: errno %v", errno)
	}
	fh.(*fileHandle).Release(ctx)

	var linkOut fuse.EntryOut
	_, errno = root.Link(ctx, childInode.Operations(), "b.txt", &linkOut)
	if errno != 0 {
		t.Fatalf("Link: errno %v", errno)
	}

	idA, err := fsys.ns.Resolve("/a.txt")
	if err != nil {
		t.Fatalf("resolve a.txt: %v", err)
	}
	idB, err := fsys.ns.Resolve("/b.txt")
	if err != nil {
		t.Fatalf("resolve b.txt: %v", err)
	}
	if idA != idB {
		t.Fatalf("hard-linked paths have different FileIds: %d vs %d", idA, idB)
	}
	if fsys.ns.LinkCount(idA) != 2 {
		t.Fatalf("link count = %d, want 2", fsys.ns.LinkCount(idA))
	}
}

func TestMkdirDoesNotTouchNamespace(t *testing.T) {
	fsys, root := newTestFileSystem(t)
	ctx := context.Background()

	var out fuse.EntryOut
	if _, errno := root.Mkdir(ctx, "sub", 0o755, &out); errno != 0 {
		t.Fatalf("Mkdir: errno %v", errno)
	}
	if _, err := fsys.ns.Resolve("/sub"); err == nil {
		t.Fatalf("directory unexpectedly resolved in namespace map")
	}
}
