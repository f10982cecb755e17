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

package passthrough

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeJoinsAndCleansPath(t *testing.T) {
	b, err := New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	require.Equal(t, "/data/a/b", b.Canonicalize("/a/b"))
	require.Equal(t, "/data/a/b", b.Canonicalize("a/b"))
	require.Equal(t, "/data/a", b.Canonicalize("/a/../a"))
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	b, err := New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	f, err := b.Create("/file", 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := b.Open("/file")
	require.NoError(t, err)
	defer f2.Close()
	got, err := io.ReadAll(f2)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestMkdirRmdir(t *testing.T) {
	b, err := New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	require.NoError(t, b.Mkdir("/dir", 0o755))
	info, err := b.Stat("/dir")
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.NoError(t, b.Rmdir("/dir"))
	_, err = b.Stat("/dir")
	require.Error(t, err)
}

func TestRenameMovesBackingFile(t *testing.T) {
	b, err := New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	f, err := b.Create("/a", 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Rename("/a", "/b"))
	_, err = b.Stat("/a")
	require.Error(t, err)
	_, err = b.Stat("/b")
	require.NoError(t, err)
}

func TestUnlinkRemovesBackingFile(t *testing.T) {
	b, err := New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	f, err := b.Create("/a", 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Unlink("/a"))
	_, err = b.Stat("/a")
	require.Error(t, err)
}

func TestTruncateChangesBackingFileSize(t *testing.T) {
	b, err := New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	f, err := b.Create("/a", 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Truncate("/a", 4))
	info, err := b.Stat("/a")
	require.NoError(t, err)
	require.Equal(t, int64(4), info.Size())
}

func TestChmodPreservesWriteBitForMediatedWrites(t *testing.T) {
	b, err := New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	f, err := b.Create("/a", 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Chmod("/a", 0o400))

	info, err := b.Stat("/a")
	require.NoError(t, err)
	require.NotZero(t, info.Mode().Perm()&0o200, "owner write bit should survive chmod so mediated writes keep working")
}

func TestLstatSeesFilesCreatedOnMemMapFs(t *testing.T) {
	b, err := New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	f, err := b.Create("/a", 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := b.Lstat("/a")
	require.NoError(t, err)
	require.False(t, info.IsDir())
	require.Equal(t, int64(0), info.Size())
}

func TestLstatDoesNotFollowSymlinkOnOSBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewOS(dir)
	require.NoError(t, err)

	f, err := b.Create("/target", 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Symlink("/target", "/link"))

	info, err := b.Lstat("/link")
	require.NoError(t, err)
	require.True(t, info.Mode()&os.ModeSymlink != 0)
}

func TestSymlinkReadlinkRoundTripOnOSBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewOS(dir)
	require.NoError(t, err)

	f, err := b.Create("/target", 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Symlink("/target", "/link"))

	got, err := b.Readlink("/link")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "target"), got)
}

func TestStatfsReportsNonzeroTotalOnOSBackend(t *testing.T) {
	b, err := NewOS(t.TempDir())
	require.NoError(t, err)

	total, _, err := b.Statfs()
	require.NoError(t, err)
	require.Greater(t, total, uint64(0))
}
