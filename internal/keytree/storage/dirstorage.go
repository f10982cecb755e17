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

package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// DirStore stores each node as its own file, named by the node id rendered
// as a zero-padded hex string, under root.
type DirStore struct {
	fs   afero.Fs
	root string
}

// NewDirStore returns a Store rooted at root on fs. The directory is created
// if it does not already exist.
func NewDirStore(fs afero.Fs, root string) (*DirStore, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, wrap("mkdir", err)
	}
	return &DirStore{fs: fs, root: root}, nil
}

// NewOSDirStore is a convenience constructor for the common case of storing
// nodes directly on the local filesystem.
func NewOSDirStore(root string) (*DirStore, error) {
	return NewDirStore(afero.NewOsFs(), root)
}

func (s *DirStore) path(id uint64) string {
	return filepath.Join(s.root, fmt.Sprintf("%016x", id))
}

func (s *DirStore) Get(id uint64) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, wrap("get", err)
	}
	return data, nil
}

func (s *DirStore) Put(id uint64, data []byte) error {
	f, err := s.fs.OpenFile(s.path(id), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return wrap("put", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return wrap("put", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return wrap("put", err)
	}
	return wrap("put", f.Close())
}

func (s *DirStore) Delete(id uint64) error {
	if err := s.fs.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrap("delete", err)
	}
	return nil
}

// Flush is a no-op for DirStore: every Put fsyncs its node file before
// returning, so it is already durable by then.
func (s *DirStore) Flush() error { return nil }
