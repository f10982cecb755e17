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

// Package enclave implements the trusted root-key store: a tiny
// fixed-layout file whose first KEY_SZ bytes hold the latest persisted key
// forest root key. An empty enclave means a fresh, never-persisted mount.
package enclave

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// EnclaveError wraps any fault reading or writing the enclave file, per
// spec.md's EnclaveError error kind.
type EnclaveError struct{ Err error }

func (e EnclaveError) Error() string { return fmt.Sprintf("enclave: %v", e.Err) }
func (e EnclaveError) Unwrap() error { return e.Err }

// Store is the enclave file handle. keyLen is the root key's fixed size.
// Store is built on the same injected afero.Fs as the rest of a mount, so
// a mem-backed mount's enclave is self-contained along with everything
// else (no hidden dependency on the real OS filesystem).
type Store struct {
	fs     afero.Fs
	path   string
	keyLen int
}

// Open returns a Store over path on fsys, creating an empty file there if
// none exists yet.
func Open(fsys afero.Fs, path string, keyLen int) (*Store, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, EnclaveError{Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, EnclaveError{Err: err}
	}
	return &Store{fs: fsys, path: path, keyLen: keyLen}, nil
}

// IsLoadable reports whether the enclave already holds a root key, i.e.
// whether this is a recovery of prior state rather than a fresh mount.
func (s *Store) IsLoadable() (bool, error) {
	info, err := s.fs.Stat(s.path)
	if err != nil {
		return false, EnclaveError{Err: err}
	}
	return info.Size() != 0, nil
}

// Load reads the root key from offset 0.
func (s *Store) Load() ([]byte, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, EnclaveError{Err: err}
	}
	defer f.Close()

	key := make([]byte, s.keyLen)
	if _, err := io.ReadFull(f, key); err != nil {
		return nil, EnclaveError{Err: err}
	}
	return key, nil
}

// Save overwrites the root key at offset 0.
func (s *Store) Save(key []byte) error {
	if len(key) != s.keyLen {
		return EnclaveError{Err: fmt.Errorf("key length %d != %d", len(key), s.keyLen)}
	}

	f, err := s.fs.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return EnclaveError{Err: err}
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return EnclaveError{Err: err}
	}
	if _, err := f.Write(key); err != nil {
		return EnclaveError{Err: err}
	}
	return nil
}
