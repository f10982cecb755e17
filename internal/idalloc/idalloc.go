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

// Package idalloc implements the identity allocator (C6): a
// monotone-but-reusable allocator for the 64-bit FileIds handed out on
// create.
package idalloc

import (
	"container/heap"
	"fmt"
)

// DeallocError reports a double-free or an out-of-range Dealloc.
type DeallocError struct{ ID uint64 }

func (e DeallocError) Error() string {
	return fmt.Sprintf("idalloc: id %d is not currently allocated", e.ID)
}

// freeHeap is a min-heap of free ids, so Alloc always returns the smallest
// one available.
type freeHeap []uint64

func (h freeHeap) Len() int            { return len(h) }
func (h freeHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h freeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *freeHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *freeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Allocator hands out the smallest available non-negative 64-bit id. Ids
// below next that are not on the free heap are considered allocated.
//
// State is exported for gob serialization through the persistence
// coordinator (C8); callers should treat the fields as read-only and use
// Alloc/Dealloc to mutate them.
type Allocator struct {
	Next uint64
	Free []uint64

	freed map[uint64]struct{}
}

// New returns an allocator with no ids yet handed out.
func New() *Allocator {
	return &Allocator{freed: make(map[uint64]struct{})}
}

// FromState reconstructs an Allocator from its serialized fields, as
// produced by a prior Snapshot (or gob-decoded directly by C8).
func FromState(next uint64, free []uint64) *Allocator {
	a := &Allocator{Next: next, Free: append([]uint64(nil), free...), freed: make(map[uint64]struct{})}
	for _, id := range a.Free {
		a.freed[id] = struct{}{}
	}
	heap.Init((*freeHeap)(&a.Free))
	return a
}

// Snapshot returns the allocator's current state for serialization.
func (a *Allocator) Snapshot() (next uint64, free []uint64) {
	return a.Next, append([]uint64(nil), a.Free...)
}

// Alloc returns the smallest currently-free id.
func (a *Allocator) Alloc() uint64 {
	if a.freed == nil {
		a.freed = make(map[uint64]struct{})
	}
	if len(a.Free) > 0 {
		id := heap.Pop((*freeHeap)(&a.Free)).(uint64)
		delete(a.freed, id)
		return id
	}
	id := a.Next
	a.Next++
	return id
}

// Dealloc marks id free for reuse. It is an error to dealloc an id that was
// never allocated, or that is already free.
func (a *Allocator) Dealloc(id uint64) error {
	if a.freed == nil {
		a.freed = make(map[uint64]struct{})
	}
	if id >= a.Next {
		return DeallocError{ID: id}
	}
	if _, already := a.freed[id]; already {
		return DeallocError{ID: id}
	}
	a.freed[id] = struct{}{}
	heap.Push((*freeHeap)(&a.Free), id)
	return nil
}
