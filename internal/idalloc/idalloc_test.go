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

package idalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocIsSequentialWithNoFrees(t *testing.T) {
	a := New()
	require.Equal(t, uint64(0), a.Alloc())
	require.Equal(t, uint64(1), a.Alloc())
	require.Equal(t, uint64(2), a.Alloc())
}

func TestDeallocThenAllocReusesSmallestFreeID(t *testing.T) {
	a := New()
	for i := 0; i < 5; i++ {
		a.Alloc()
	}
	require.NoError(t, a.Dealloc(1))
	require.NoError(t, a.Dealloc(3))

	require.Equal(t, uint64(1), a.Alloc())
	require.Equal(t, uint64(3), a.Alloc())
	require.Equal(t, uint64(5), a.Alloc())
}

func TestDoubleDeallocIsAnError(t *testing.T) {
	a := New()
	a.Alloc()
	require.NoError(t, a.Dealloc(0))
	require.Error(t, a.Dealloc(0))
}

func TestDeallocOfNeverAllocatedIDIsAnError(t *testing.T) {
	a := New()
	a.Alloc()
	require.Error(t, a.Dealloc(99))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	a := New()
	for i := 0; i < 4; i++ {
		a.Alloc()
	}
	require.NoError(t, a.Dealloc(2))

	next, free := a.Snapshot()
	restored := FromState(next, free)

	require.Equal(t, uint64(2), restored.Alloc())
	require.Equal(t, uint64(4), restored.Alloc())
	require.NoError(t, restored.Dealloc(2))
	require.Error(t, restored.Dealloc(2))
}
