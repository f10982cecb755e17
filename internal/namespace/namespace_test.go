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

package namespace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateThenResolve(t *testing.T) {
	m := New()
	require.NoError(t, m.Create("/a", 1))

	id, err := m.Resolve("/a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.Equal(t, uint64(1), m.LinkCount(1))
}

func TestResolveMissingPathIsMappingError(t *testing.T) {
	m := New()
	_, err := m.Resolve("/nope")
	var mapErr MappingError
	require.ErrorAs(t, err, &mapErr)
	require.Equal(t, "/nope", mapErr.Path)
}

func TestLinkIncrementsCount(t *testing.T) {
	m := New()
	require.NoError(t, m.Create("/a", 1))

	id, err := m.Link("/a", "/b")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.Equal(t, uint64(2), m.LinkCount(1))

	bID, err := m.Resolve("/b")
	require.NoError(t, err)
	require.Equal(t, uint64(1), bID)
}

func TestSymlinkSharesFileID(t *testing.T) {
	m := New()
	require.NoError(t, m.Create("/target", 5))

	id, err := m.Symlink("/target", "/link")
	require.NoError(t, err)
	require.Equal(t, uint64(5), id)

	linkID, err := m.Resolve("/link")
	require.NoError(t, err)
	require.Equal(t, uint64(5), linkID)
	require.Equal(t, uint64(2), m.LinkCount(5))
}

func TestRenameMovesMappingWithoutChangingLinkCount(t *testing.T) {
	m := New()
	require.NoError(t, m.Create("/a", 1))

	id, err := m.Rename("/a", "/b")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	_, err = m.Resolve("/a")
	require.Error(t, err)

	bID, err := m.Resolve("/b")
	require.NoError(t, err)
	require.Equal(t, uint64(1), bID)
	require.Equal(t, uint64(1), m.LinkCount(1))
}

func TestUnlinkDecrementsAndReportsOrphan(t *testing.T) {
	m := New()
	require.NoError(t, m.Create("/a", 1))
	_, err := m.Link("/a", "/b")
	require.NoError(t, err)

	id, orphaned, err := m.Unlink("/a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.False(t, orphaned)
	require.Equal(t, uint64(1), m.LinkCount(1))

	id, orphaned, err = m.Unlink("/b")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.True(t, orphaned)
	require.Equal(t, uint64(0), m.LinkCount(1))
}

func TestUnlinkMissingPathIsMappingError(t *testing.T) {
	m := New()
	_, _, err := m.Unlink("/nope")
	var mapErr MappingError
	require.ErrorAs(t, err, &mapErr)
}
