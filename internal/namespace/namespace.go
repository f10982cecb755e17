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

// Package namespace implements the namespace map (C7): the bijection-ish
// relation between canonical paths and FileIds, plus FileId link counts.
//
// Map owns no allocator and no key forest: it reports back enough (the
// FileId, whether its link count dropped to zero) for the caller to drive
// C6's Dealloc and C3's secure-delete Remove loop itself.
package namespace

import "fmt"

// MappingError reports a path with no entry in the namespace map.
type MappingError struct{ Path string }

func (e MappingError) Error() string {
	return fmt.Sprintf("namespace: no such mapped path: %q", e.Path)
}

// ErrAlreadyExists is returned by Create when path is already mapped.
type ErrAlreadyExists struct{ Path string }

func (e ErrAlreadyExists) Error() string {
	return fmt.Sprintf("namespace: path already mapped: %q", e.Path)
}

// Map is path -> FileId plus FileId -> link count. Fields are exported for
// direct gob serialization by the persistence coordinator (C8); callers
// should prefer the methods below to mutate it.
type Map struct {
	Mapping map[string]uint64
	Links   map[uint64]uint64
}

// New returns an empty namespace map.
func New() *Map {
	return &Map{Mapping: make(map[string]uint64), Links: make(map[uint64]uint64)}
}

// Resolve looks up the FileId mapped to a canonical path.
func (m *Map) Resolve(path string) (uint64, error) {
	id, ok := m.Mapping[path]
	if !ok {
		return 0, MappingError{Path: path}
	}
	return id, nil
}

// LinkCount returns the number of paths currently mapped to id.
func (m *Map) LinkCount(id uint64) uint64 {
	return m.Links[id]
}

// Create maps path to a freshly allocated id (allocated by the caller via
// C6) with an initial link count of one.
func (m *Map) Create(path string, id uint64) error {
	if _, exists := m.Mapping[path]; exists {
		return ErrAlreadyExists{Path: path}
	}
	m.Mapping[path] = id
	m.Links[id] = 1
	return nil
}

// Link maps to onto the same id as from and increments its link count, as
// used by both hard link and symlink creation (SDBTreeFS aliases a symlink
// onto its target's FileId rather than storing a textual target).
func (m *Map) Link(from, to string) (uint64, error) {
	id, ok := m.Mapping[from]
	if !ok {
		return 0, MappingError{Path: from}
	}
	if _, exists := m.Mapping[to]; exists {
		return 0, ErrAlreadyExists{Path: to}
	}
	m.Mapping[to] = id
	m.Links[id]++
	return id, nil
}

// Symlink has identical namespace-layer semantics to Link.
func (m *Map) Symlink(from, to string) (uint64, error) {
	return m.Link(from, to)
}

// Rename moves the mapping for from onto to, with no link-count change. If
// to was already mapped, the caller protocol requires it to have been
// unlinked first; Rename itself does not decrement the old destination's
// link count.
func (m *Map) Rename(from, to string) (uint64, error) {
	id, ok := m.Mapping[from]
	if !ok {
		return 0, MappingError{Path: from}
	}
	delete(m.Mapping, from)
	m.Mapping[to] = id
	return id, nil
}

// Unlink removes path's mapping and decrements its id's link count,
// reporting whether that count reached zero. On an orphaned id, the
// caller is responsible for freeing it through C6 and purging its blocks
// through C3.
func (m *Map) Unlink(path string) (id uint64, orphaned bool, err error) {
	id, ok := m.Mapping[path]
	if !ok {
		return 0, false, MappingError{Path: path}
	}
	delete(m.Mapping, path)

	m.Links[id]--
	if m.Links[id] == 0 {
		delete(m.Links, id)
		return id, true, nil
	}
	return id, false, nil
}
