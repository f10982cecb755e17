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

// Package fileview implements the localized key-tree view (C4): a thin
// per-file adapter over a shared *keytree.Tree that rewrites a file-local
// block index into the tree's global KeyId space before forwarding.
package fileview

import "fmt"

// blockBits is the width, in bits, reserved for the block index within a
// KeyId. A file therefore addresses at most 2^blockBits blocks.
const blockBits = 20

// blockMask isolates the low blockBits bits of a KeyId.
const blockMask = (uint64(1) << blockBits) - 1

// MaxBlock is the largest block index a single file may address.
const MaxBlock = blockMask

// ErrFileTooLarge is returned by KeyID (and by anything that calls it) when
// block exceeds MaxBlock.
type ErrFileTooLarge struct {
	FileID uint64
	Block  uint64
}

func (e ErrFileTooLarge) Error() string {
	return fmt.Sprintf("fileview: file %d: block %d exceeds the %d-block limit", e.FileID, e.Block, MaxBlock+1)
}

// KeyID computes the global KeyId for block within fileID: the file id in
// the high bits, the block index in the low blockBits bits.
func KeyID(fileID, block uint64) (uint64, error) {
	if block > MaxBlock {
		return 0, ErrFileTooLarge{FileID: fileID, Block: block}
	}
	return fileID<<blockBits | (block & blockMask), nil
}

// Tree is the subset of *keytree.Tree that View forwards to. Defined here
// so fileview does not need to import keytree's storage/cipher
// dependencies just to describe the shape it wraps.
type Tree interface {
	Derive(kid uint64) ([]byte, error)
	Update(kid uint64) ([]byte, error)
	Commit() []uint64
	PersistBlock(kid uint64) (bool, error)
	Remove(kid uint64) ([]byte, bool, error)
}

// View localizes block-level key operations for a single file onto a
// shared forest. It must not outlive the Tree it borrows, and — like the
// forest itself — is not reentrant.
type View struct {
	fileID uint64
	inner  Tree
}

// New returns a View scoping all Derive/Update calls to fileID's own block
// range of inner's shared key space.
func New(fileID uint64, inner Tree) *View {
	return &View{fileID: fileID, inner: inner}
}

// Derive returns the key for block, minting one on first touch.
func (v *View) Derive(block uint64) ([]byte, error) {
	kid, err := KeyID(v.fileID, block)
	if err != nil {
		return nil, err
	}
	return v.inner.Derive(kid)
}

// Update rotates the key for block.
func (v *View) Update(block uint64) ([]byte, error) {
	kid, err := KeyID(v.fileID, block)
	if err != nil {
		return nil, err
	}
	return v.inner.Update(kid)
}

// Commit drains the dirty set of the underlying forest. Since the forest is
// shared across every open file, this is not scoped to fileID alone — it is
// exposed here only because spec.md's C4 surface forwards it verbatim.
func (v *View) Commit() []uint64 {
	return v.inner.Commit()
}

// PersistBlock writes through the page backing block, returning false if
// block was never written.
func (v *View) PersistBlock(block uint64) (bool, error) {
	kid, err := KeyID(v.fileID, block)
	if err != nil {
		return false, err
	}
	return v.inner.PersistBlock(kid)
}

// Remove erases the key backing block, making its prior ciphertext
// permanently undecryptable.
func (v *View) Remove(block uint64) ([]byte, bool, error) {
	kid, err := KeyID(v.fileID, block)
	if err != nil {
		return nil, false, err
	}
	return v.inner.Remove(kid)
}
