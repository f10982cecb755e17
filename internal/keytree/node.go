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

package keytree

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// entry is either a (KeyId, derived key) pair at a leaf, or a bare
// separator at an internal node (Key is nil in that case).
type entry struct {
	Kid uint64
	Key []byte
}

// childRef is a parent's pointer to a child node: the node's storage id and
// the key needed to decrypt it once fetched. n caches the decoded child so
// repeated descents don't re-fetch/re-decrypt it.
type childRef struct {
	ID  uint64
	Key []byte
	n   *node
}

// node is one node of the B+tree-shaped key forest. Leaves hold the actual
// (KeyId, key) entries; internal nodes hold only routing separators plus
// child pointers. A node is "dirty" from the moment it is first minted an
// id/key until it is next written out by Persist/PersistBlock, at which
// point the next mutation mints it a brand new id/key — every version of a
// node that ever reaches the store is write-once and immutable.
type node struct {
	id       uint64
	key      []byte
	dirty    bool
	leaf     bool
	entries  []entry
	children []*childRef
}

// wireNode is the gob-serializable projection of a node's plaintext.
type wireNode struct {
	Leaf     bool
	Entries  []entry
	Children []childRef
}

func (n *node) toWire() wireNode {
	children := make([]childRef, len(n.children))
	for i, c := range n.children {
		children[i] = childRef{ID: c.ID, Key: c.Key}
	}
	return wireNode{Leaf: n.leaf, Entries: n.entries, Children: children}
}

func nodeFromWire(id uint64, key []byte, w wireNode) *node {
	children := make([]*childRef, len(w.Children))
	for i, c := range w.Children {
		cc := c
		children[i] = &childRef{ID: cc.ID, Key: cc.Key}
	}
	return &node{
		id:       id,
		key:      key,
		leaf:     w.Leaf,
		entries:  w.Entries,
		children: children,
	}
}

func encodeWireNode(w wireNode) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("keytree: encode node: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeWireNode(data []byte) (wireNode, error) {
	var w wireNode
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return wireNode{}, fmt.Errorf("keytree: decode node: %w", err)
	}
	return w, nil
}

// lowerBound returns the first index i such that entries[i].Kid >= kid, and
// whether that index is an exact match.
func lowerBound(entries []entry, kid uint64) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].Kid < kid {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(entries) && entries[lo].Kid == kid
}

// childIndex returns the index of the child to descend into from an
// internal node's separators when searching for kid.
func childIndex(separators []entry, kid uint64) int {
	lo, hi := 0, len(separators)
	for lo < hi {
		mid := (lo + hi) / 2
		if kid < separators[mid].Kid {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func insertEntryAt(entries []entry, idx int, e entry) []entry {
	entries = append(entries, entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

func insertChildAt(children []*childRef, idx int, c *childRef) []*childRef {
	children = append(children, nil)
	copy(children[idx+1:], children[idx:])
	children[idx] = c
	return children
}
