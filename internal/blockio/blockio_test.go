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

package blockio

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemosyne/sdbtreefs/internal/cipher"
)

// memBacking is a minimal growable io.ReadWriteSeeker over an in-memory
// buffer, standing in for an opened backing file.
type memBacking struct {
	buf []byte
	pos int64
}

func (m *memBacking) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = m.pos + offset
	case io.SeekEnd:
		next = int64(len(m.buf)) + offset
	}
	if next < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	m.pos = next
	return next, nil
}

func (m *memBacking) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (m *memBacking) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

// localView is a trivial View backed by a map, standing in for
// fileview.View in isolation.
type localView struct {
	keys map[uint64][]byte
}

func newLocalView() *localView { return &localView{keys: make(map[uint64][]byte)} }

func (v *localView) Derive(b uint64) ([]byte, error) {
	if k, ok := v.keys[b]; ok {
		return k, nil
	}
	return v.Update(b)
}

func (v *localView) Update(b uint64) ([]byte, error) {
	k := make([]byte, 32)
	k[0] = byte(len(v.keys) + 1)
	k[1] = byte(b)
	v.keys[b] = k
	return k, nil
}

func newIO(blockSize int) (*ReadWriteSeeker, *memBacking) {
	backing := &memBacking{}
	rw := New(backing, newLocalView(), cipher.NewAESCTR(), blockSize)
	return rw, backing
}

func TestWriteReadRoundTripWithinOneBlock(t *testing.T) {
	rw, _ := newIO(16)
	_, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	_, err = rw.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := rw.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestWriteSpansMultipleBlocks(t *testing.T) {
	rw, _ := newIO(4)
	data := []byte("0123456789abcdef")
	_, err := rw.Write(data)
	require.NoError(t, err)

	_, err = rw.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, len(data))
	n, err := io.ReadFull(rw, got)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, got)
}

func TestPartialOverwriteWithinBlock(t *testing.T) {
	rw, _ := newIO(8)
	_, err := rw.Write([]byte("AAAAAAAA"))
	require.NoError(t, err)

	_, err = rw.Seek(2, io.SeekStart)
	require.NoError(t, err)
	_, err = rw.Write([]byte("BB"))
	require.NoError(t, err)

	_, err = rw.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 8)
	_, err = io.ReadFull(rw, got)
	require.NoError(t, err)
	require.Equal(t, "AABBAAAA", string(got))
}

func TestReadPastEOFReturnsShortReadThenEOF(t *testing.T) {
	rw, _ := newIO(8)
	_, err := rw.Write([]byte("hi"))
	require.NoError(t, err)

	_, err = rw.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 100)
	n, err := rw.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = rw.Read(buf)
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
}

func TestSeekPastEndMaterializesZeroFilledGap(t *testing.T) {
	rw, _ := newIO(4)
	_, err := rw.Write([]byte("ab"))
	require.NoError(t, err)

	_, err = rw.Seek(12, io.SeekStart)
	require.NoError(t, err)
	_, err = rw.Write([]byte("z"))
	require.NoError(t, err)

	_, err = rw.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 13)
	n, err := io.ReadFull(rw, got)
	require.NoError(t, err)
	require.Equal(t, 13, n)

	want := append([]byte("ab"), bytes.Repeat([]byte{0}, 10)...)
	want = append(want, 'z')
	require.Equal(t, want, got)
}

func TestZeroLengthWriteIsNoop(t *testing.T) {
	rw, backing := newIO(8)
	n, err := rw.Write(nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, backing.buf)
}

func TestEachWriteUsesDistinctKeyAndIV(t *testing.T) {
	rw, backing := newIO(4)
	_, err := rw.Write([]byte("aaaa"))
	require.NoError(t, err)
	first := append([]byte(nil), backing.buf...)

	_, err = rw.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = rw.Write([]byte("aaaa"))
	require.NoError(t, err)
	second := backing.buf

	require.NotEqual(t, first, second, "rewriting identical plaintext must not reproduce the same on-disk record")
}
