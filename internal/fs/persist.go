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
	"bytes"
	"encoding/gob"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/lemosyne/sdbtreefs/internal/idalloc"
	"github.com/lemosyne/sdbtreefs/internal/keytree"
	"github.com/lemosyne/sdbtreefs/internal/namespace"
)

// linksFile, mappingsFile, allocatorFile, and rootFile are the gob shapes
// of the four metadata files spec.md §6 names. The root key itself is kept
// only in the enclave.
type linksFile struct{ Links map[uint64]uint64 }
type mappingsFile struct{ Mapping map[string]uint64 }
type allocatorFile struct {
	Next uint64
	Free []uint64
}
type rootFile struct {
	RootID uint64
}

// writeMetaFile gob-encodes v and atomically installs it as
// <metadir>/<name>, per §9's "write to a sibling temp file and rename"
// recommendation.
func writeMetaFile(fsys afero.Fs, metadir, name string, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("fs: encode %s: %w", name, err)
	}
	final := filepath.Join(metadir, name)
	tmp := final + ".tmp"
	if err := afero.WriteFile(fsys, tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("fs: write %s: %w", name, err)
	}
	if err := fsys.Rename(tmp, final); err != nil {
		return fmt.Errorf("fs: rename %s into place: %w", name, err)
	}
	return nil
}

func readMetaFile(fsys afero.Fs, metadir, name string, v interface{}) error {
	data, err := afero.ReadFile(fsys, filepath.Join(metadir, name))
	if err != nil {
		return fmt.Errorf("fs: read %s: %w", name, err)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("fs: decode %s: %w", name, err)
	}
	return nil
}

// IsLoadable reports whether the enclave already holds a root key from a
// prior mount, i.e. whether Load should be called instead of starting
// fresh.
func (fsys *FileSystem) IsLoadable() (bool, error) {
	return fsys.enclave.IsLoadable()
}

// Load restores the key forest, namespace map, and allocator from the
// metadata files and enclave-stored root key, publishing all three only
// once every read has succeeded (spec.md §4.8 step 4).
func (fsys *FileSystem) Load() error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	rootKey, err := fsys.enclave.Load()
	if err != nil {
		return err
	}

	var links linksFile
	if err := readMetaFile(fsys.metaFs, fsys.cfg.Metadir, "links", &links); err != nil {
		return err
	}
	var mappings mappingsFile
	if err := readMetaFile(fsys.metaFs, fsys.cfg.Metadir, "mappings", &mappings); err != nil {
		return err
	}
	var alloc allocatorFile
	if err := readMetaFile(fsys.metaFs, fsys.cfg.Metadir, "allocator", &alloc); err != nil {
		return err
	}
	var root rootFile
	if err := readMetaFile(fsys.metaFs, fsys.cfg.Metadir, "root", &root); err != nil {
		return err
	}

	tree, err := keytree.Load(fsys.store, fsys.cipher, fsys.cfg.Degree, root.RootID, rootKey)
	if err != nil {
		return err
	}

	fsys.tree = tree
	fsys.alloc = idalloc.FromState(alloc.Next, alloc.Free)
	fsys.ns = &namespace.Map{Mapping: mappings.Mapping, Links: links.Links}
	return nil
}

// Persist checkpoints the key forest, namespace map, and allocator, then
// anchors the new root key in the enclave last, per spec.md §4.8's
// metadata-before-enclave ordering.
func (fsys *FileSystem) Persist() error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return fsys.persistLocked()
}

func (fsys *FileSystem) persistLocked() error {
	rootID, rootKey, err := fsys.tree.Persist()
	if err != nil {
		return err
	}

	if err := writeMetaFile(fsys.metaFs, fsys.cfg.Metadir, "links", linksFile{Links: fsys.ns.Links}); err != nil {
		return err
	}
	if err := writeMetaFile(fsys.metaFs, fsys.cfg.Metadir, "mappings", mappingsFile{Mapping: fsys.ns.Mapping}); err != nil {
		return err
	}
	next, free := fsys.alloc.Snapshot()
	if err := writeMetaFile(fsys.metaFs, fsys.cfg.Metadir, "allocator", allocatorFile{Next: next, Free: free}); err != nil {
		return err
	}
	if err := writeMetaFile(fsys.metaFs, fsys.cfg.Metadir, "root", rootFile{RootID: rootID}); err != nil {
		return err
	}

	return fsys.enclave.Save(rootKey)
}
