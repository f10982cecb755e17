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

// Package fs glues every other component into the mounted filesystem: the
// persistence coordinator (C8, persist.go) and the go-fuse-backed VFS
// adapter (C9, fuseops.go).
package fs

import (
	"sync"

	"github.com/spf13/afero"

	"github.com/lemosyne/sdbtreefs/internal/cipher"
	"github.com/lemosyne/sdbtreefs/internal/enclave"
	"github.com/lemosyne/sdbtreefs/internal/idalloc"
	"github.com/lemosyne/sdbtreefs/internal/keytree"
	"github.com/lemosyne/sdbtreefs/internal/keytree/storage"
	"github.com/lemosyne/sdbtreefs/internal/namespace"
	"github.com/lemosyne/sdbtreefs/internal/passthrough"
)

// Config bundles the fixed parameters a mount is constructed with.
type Config struct {
	// BlockSize is the plaintext size of one block (BLOCK_SZ).
	BlockSize int
	// Degree is the key forest's branching factor.
	Degree int
	// Metadir is where C8's metadata files and key-tree node blobs live.
	Metadir string
}

// FileSystem is the aggregate root owning every live component: C3's key
// forest, C6's allocator, C7's namespace map, the enclave, and the
// pass-through backend. It is the single logical owner spec.md's
// concurrency model requires.
//
// LOCK ORDERING: mu guards every field below and is held for the duration
// of a single VFS upcall (fuseops.go acquires it at the top of each
// handler and releases it before returning to the kernel). Load and Persist
// take mu themselves and must not be called while already holding it; the
// *Locked helpers expect the caller to hold it.
type FileSystem struct {
	mu sync.Mutex

	cfg     Config
	cipher  cipher.Capability
	store   storage.Store
	metaFs  afero.Fs
	backend *passthrough.Backend
	enclave *enclave.Store

	tree  *keytree.Tree
	alloc *idalloc.Allocator
	ns    *namespace.Map
}

// New constructs a fresh, never-persisted FileSystem: an empty key forest,
// allocator, and namespace map. Callers that find the enclave already
// loadable should call Load instead of relying on this initial state.
func New(cfg Config, cap cipher.Capability, store storage.Store, metaFs afero.Fs, backend *passthrough.Backend, enc *enclave.Store) (*FileSystem, error) {
	tree, err := keytree.New(store, cap, cfg.Degree)
	if err != nil {
		return nil, err
	}
	return &FileSystem{
		cfg:     cfg,
		cipher:  cap,
		store:   store,
		metaFs:  metaFs,
		backend: backend,
		enclave: enc,
		tree:    tree,
		alloc:   idalloc.New(),
		ns:      namespace.New(),
	}, nil
}

// Root returns the InodeEmbedder for the mount's root directory.
func (fsys *FileSystem) Root() *Node {
	return &Node{fsys: fsys}
}
