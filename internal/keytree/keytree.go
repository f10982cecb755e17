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

// Package keytree implements the key forest (C3): a B+tree keyed by KeyId
// whose nodes are individually encrypted and persisted through a Store.
//
// Every node, once written, is immutable — id and key are both reassigned
// the moment a node's plaintext changes, so a stale ciphertext left behind
// by an older Persist can never be reinterpreted under a key that decrypts
// the current tree. Secure deletion falls directly out of this: Remove
// erases a leaf entry, and because the key it held was never derived from
// anything but its own randomness, the data it used to protect cannot be
// recovered once that entry is gone.
package keytree

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/lemosyne/sdbtreefs/internal/cipher"
	"github.com/lemosyne/sdbtreefs/internal/keytree/storage"
)

// ErrInvalidDegree is returned when a tree is constructed with a branching
// factor below the minimum of 2.
type ErrInvalidDegree struct{ Got int }

func (e ErrInvalidDegree) Error() string {
	return fmt.Sprintf("keytree: degree must be >= 2, got %d", e.Got)
}

// Tree is a key forest: a keyed B+tree mapping KeyId to a per-block
// symmetric key, with the whole structure encrypted node-by-node at rest.
//
// A Tree is not safe for concurrent use; callers serialize access to it
// (spec.md's single-threaded cooperative concurrency model holds one
// exclusive owner for the duration of each upcall).
type Tree struct {
	store  storage.Store
	cipher cipher.Capability
	rng    io.Reader
	degree int

	root *node

	dirtyNodes map[uint64]*node
	dirtyKids  map[uint64]struct{}
}

// New creates an empty key forest backed by store. degree is the B+tree's
// maximum branching factor (the Rust original's --degree flag); it must be
// at least 2.
func New(store storage.Store, cap cipher.Capability, degree int) (*Tree, error) {
	if degree < 2 {
		return nil, ErrInvalidDegree{Got: degree}
	}
	t := &Tree{
		store:      store,
		cipher:     cap,
		rng:        rand.Reader,
		degree:     degree,
		dirtyNodes: make(map[uint64]*node),
		dirtyKids:  make(map[uint64]struct{}),
	}
	root := &node{leaf: true}
	if err := t.touch(root); err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// Load fetches and decrypts the root node at rootID under rootKey, and
// every other node transitively on demand as operations descend into it.
func Load(store storage.Store, cap cipher.Capability, degree int, rootID uint64, rootKey []byte) (*Tree, error) {
	if degree < 2 {
		return nil, ErrInvalidDegree{Got: degree}
	}
	t := &Tree{
		store:      store,
		cipher:     cap,
		rng:        rand.Reader,
		degree:     degree,
		dirtyNodes: make(map[uint64]*node),
		dirtyKids:  make(map[uint64]struct{}),
	}
	root, err := t.fetch(rootID, rootKey)
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// RootID returns the storage id of the tree's current root node.
func (t *Tree) RootID() uint64 { return t.root.id }

// RootKey returns a copy of the wrapping key of the tree's current root node.
func (t *Tree) RootKey() []byte { return append([]byte(nil), t.root.key...) }

// maxEntries bounds a node at degree-1 entries / degree children, so degree
// is literally the node's maximum branching factor (spec.md's --degree
// flag), not a CLRS-style minimum degree.
func (t *Tree) maxEntries() int { return t.degree - 1 }

func (t *Tree) randomKey() ([]byte, error) {
	key := make([]byte, t.cipher.KeyLen())
	if _, err := io.ReadFull(t.rng, key); err != nil {
		return nil, fmt.Errorf("keytree: generate key: %w", err)
	}
	return key, nil
}

func (t *Tree) randomID() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(t.rng, buf[:]); err != nil {
		return 0, fmt.Errorf("keytree: generate node id: %w", err)
	}
	var id uint64
	for _, b := range buf {
		id = id<<8 | uint64(b)
	}
	return id, nil
}

// touch mints n a fresh id and key if it doesn't already have an
// unpersisted one, and records it in the dirty set. Call before mutating a
// node's plaintext content.
func (t *Tree) touch(n *node) error {
	if n.dirty {
		return nil
	}
	id, err := t.randomID()
	if err != nil {
		return err
	}
	key, err := t.randomKey()
	if err != nil {
		return err
	}
	n.id = id
	n.key = key
	n.dirty = true
	t.dirtyNodes[id] = n
	return nil
}

func (t *Tree) fetch(id uint64, key []byte) (*node, error) {
	raw, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	ivLen := t.cipher.IVLen()
	if len(raw) < ivLen {
		return nil, fmt.Errorf("keytree: node %x: truncated record", id)
	}
	iv, ciphertext := raw[:ivLen], raw[ivLen:]
	plaintext, err := t.cipher.Decrypt(key, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keytree: node %x: decrypt: %w", id, err)
	}
	w, err := decodeWireNode(plaintext)
	if err != nil {
		return nil, err
	}
	return nodeFromWire(id, key, w), nil
}

func (t *Tree) loadChild(ref *childRef) (*node, error) {
	if ref.n != nil {
		return ref.n, nil
	}
	n, err := t.fetch(ref.ID, ref.Key)
	if err != nil {
		return nil, err
	}
	ref.n = n
	return n, nil
}

func (t *Tree) encode(n *node) ([]byte, error) {
	plaintext, err := encodeWireNode(n.toWire())
	if err != nil {
		return nil, err
	}
	iv := make([]byte, t.cipher.IVLen())
	if _, err := io.ReadFull(t.rng, iv); err != nil {
		return nil, fmt.Errorf("keytree: generate node iv: %w", err)
	}
	ciphertext, err := t.cipher.Encrypt(n.key, iv, plaintext)
	if err != nil {
		return nil, fmt.Errorf("keytree: node %x: encrypt: %w", n.id, err)
	}
	return append(iv, ciphertext...), nil
}

// pathTo walks from the root to the leaf that does or would hold kid.
// idxs[i] is the child index taken to go from path[i] to path[i+1].
func (t *Tree) pathTo(kid uint64) (path []*node, idxs []int, found bool, err error) {
	n := t.root
	for {
		path = append(path, n)
		if n.leaf {
			_, found = lowerBound(n.entries, kid)
			return path, idxs, found, nil
		}
		idx := childIndex(n.entries, kid)
		idxs = append(idxs, idx)
		child, err := t.loadChild(n.children[idx])
		if err != nil {
			return nil, nil, false, err
		}
		n = child
	}
}

// Derive returns the key for kid, minting and inserting a fresh random key
// the first time kid is addressed. The returned key is stable across
// repeated Derive calls until Update(kid) is next called.
func (t *Tree) Derive(kid uint64) ([]byte, error) {
	path, _, found, err := t.pathTo(kid)
	if err != nil {
		return nil, err
	}
	if found {
		leaf := path[len(path)-1]
		idx, _ := lowerBound(leaf.entries, kid)
		return append([]byte(nil), leaf.entries[idx].Key...), nil
	}

	newKey, err := t.randomKey()
	if err != nil {
		return nil, err
	}
	if err := t.insert(kid, newKey); err != nil {
		return nil, err
	}
	t.dirtyKids[kid] = struct{}{}
	return newKey, nil
}

// Update mints and installs a fresh random key for kid, unconditionally
// rotating it whether or not kid was previously addressed. This is what
// makes the (key, iv) pair used by C5 unique on every write: a block is
// never re-encrypted under the key that protected its previous contents.
func (t *Tree) Update(kid uint64) ([]byte, error) {
	newKey, err := t.randomKey()
	if err != nil {
		return nil, err
	}
	if err := t.insert(kid, newKey); err != nil {
		return nil, err
	}
	t.dirtyKids[kid] = struct{}{}
	return newKey, nil
}

// Commit drains and returns the set of KeyIds dirtied (derived-for-the-first
// -time or updated) since the last Commit.
func (t *Tree) Commit() []uint64 {
	kids := make([]uint64, 0, len(t.dirtyKids))
	for kid := range t.dirtyKids {
		kids = append(kids, kid)
	}
	t.dirtyKids = make(map[uint64]struct{})
	return kids
}

// Persist writes every dirty node through the Store, flushes it, and
// returns the storage id and key of the tree's (possibly just rotated)
// root node, for the caller to anchor in the enclave.
func (t *Tree) Persist() (rootID uint64, rootKey []byte, err error) {
	for id, n := range t.dirtyNodes {
		data, err := t.encode(n)
		if err != nil {
			return 0, nil, err
		}
		if err := t.store.Put(id, data); err != nil {
			return 0, nil, err
		}
		n.dirty = false
	}
	t.dirtyNodes = make(map[uint64]*node)

	if err := t.store.Flush(); err != nil {
		return 0, nil, err
	}
	return t.root.id, append([]byte(nil), t.root.key...), nil
}

// PersistBlock writes through only the nodes on the path to kid that are
// still dirty, then flushes the store. It returns false without writing
// anything if kid has no leaf entry, which callers use to enumerate a
// file's populated blocks by probing 0, 1, 2, ... until the first miss.
func (t *Tree) PersistBlock(kid uint64) (bool, error) {
	path, _, found, err := t.pathTo(kid)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	for _, n := range path {
		if !n.dirty {
			continue
		}
		data, err := t.encode(n)
		if err != nil {
			return false, err
		}
		if err := t.store.Put(n.id, data); err != nil {
			return false, err
		}
		n.dirty = false
		delete(t.dirtyNodes, n.id)
	}
	if err := t.store.Flush(); err != nil {
		return false, err
	}
	return true, nil
}

// Remove erases kid's leaf entry, if any, and returns the key it held. A
// subsequent Derive(kid) mints an entirely new, unrelated key: the erased
// key is never reconstructable since it was random, not derived.
func (t *Tree) Remove(kid uint64) (key []byte, existed bool, err error) {
	path, idxs, found, err := t.pathTo(kid)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	leaf := path[len(path)-1]
	idx, _ := lowerBound(leaf.entries, kid)
	key = leaf.entries[idx].Key

	if err := t.touch(leaf); err != nil {
		return nil, false, err
	}
	leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)

	for i := len(idxs) - 1; i >= 0; i-- {
		parent, child := path[i], path[i+1]
		if err := t.touch(parent); err != nil {
			return nil, false, err
		}
		parent.children[idxs[i]].ID = child.id
		parent.children[idxs[i]].Key = child.key
	}

	delete(t.dirtyKids, kid)
	return key, true, nil
}

// insert installs key for kid, replacing any existing entry, splitting
// full nodes proactively on the way down (classic B-tree/B+tree
// insertion).
func (t *Tree) insert(kid uint64, key []byte) error {
	if len(t.root.entries) == t.maxEntries() {
		oldRoot := t.root
		newRoot := &node{leaf: false, children: []*childRef{{ID: oldRoot.id, Key: oldRoot.key, n: oldRoot}}}
		if err := t.touch(newRoot); err != nil {
			return err
		}
		t.root = newRoot
		if err := t.splitChild(newRoot, 0); err != nil {
			return err
		}
	}
	return t.insertNonFull(t.root, kid, key)
}

func (t *Tree) insertNonFull(n *node, kid uint64, key []byte) error {
	if n.leaf {
		idx, found := lowerBound(n.entries, kid)
		if err := t.touch(n); err != nil {
			return err
		}
		if found {
			n.entries[idx].Key = key
		} else {
			n.entries = insertEntryAt(n.entries, idx, entry{Kid: kid, Key: key})
		}
		return nil
	}

	idx := childIndex(n.entries, kid)
	child, err := t.loadChild(n.children[idx])
	if err != nil {
		return err
	}
	if len(child.entries) == t.maxEntries() {
		if err := t.splitChild(n, idx); err != nil {
			return err
		}
		if kid >= n.entries[idx].Kid {
			idx++
		}
		child, err = t.loadChild(n.children[idx])
		if err != nil {
			return err
		}
	}

	if err := t.insertNonFull(child, kid, key); err != nil {
		return err
	}
	if err := t.touch(n); err != nil {
		return err
	}
	n.children[idx].ID = child.id
	n.children[idx].Key = child.key
	return nil
}

// splitChild splits the full child at n.children[idx] in two, promoting a
// separator into n. Leaf splits copy the separator up (the right half's
// first key); internal splits move it up, since internal nodes carry no
// data of their own.
func (t *Tree) splitChild(n *node, idx int) error {
	full, err := t.loadChild(n.children[idx])
	if err != nil {
		return err
	}

	mid := len(full.entries) / 2
	var right *node
	var sep entry

	if full.leaf {
		right = &node{leaf: true, entries: append([]entry(nil), full.entries[mid:]...)}
		sep = entry{Kid: right.entries[0].Kid}
		if err := t.touch(full); err != nil {
			return err
		}
		full.entries = full.entries[:mid]
	} else {
		sep = full.entries[mid]
		right = &node{
			leaf:     false,
			entries:  append([]entry(nil), full.entries[mid+1:]...),
			children: append([]*childRef(nil), full.children[mid+1:]...),
		}
		if err := t.touch(full); err != nil {
			return err
		}
		full.entries = full.entries[:mid]
		full.children = full.children[:mid+1]
	}

	if err := t.touch(right); err != nil {
		return err
	}
	if err := t.touch(n); err != nil {
		return err
	}

	n.entries = insertEntryAt(n.entries, idx, sep)
	n.children = insertChildAt(n.children, idx+1, &childRef{ID: right.id, Key: right.key, n: right})
	n.children[idx].ID = full.id
	n.children[idx].Key = full.key
	n.children[idx].n = full
	return nil
}
