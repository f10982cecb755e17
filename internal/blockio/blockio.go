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

// Package blockio implements the block-IV crypt I/O layer (C5): a seekable
// reader/writer that turns a plaintext byte stream into fixed-size
// (IV ‖ ciphertext) records on a backing file, deriving a fresh key per
// block from a localized key-tree view.
package blockio

import (
	"crypto/rand"
	"fmt"
	"io"
)

// View is the key source a ReadWriteSeeker draws block keys from —
// satisfied by *fileview.View.
type View interface {
	Derive(block uint64) ([]byte, error)
	Update(block uint64) ([]byte, error)
}

// Cipher is the block cipher capability a ReadWriteSeeker encrypts under —
// satisfied by cipher.Capability.
type Cipher interface {
	Encrypt(key, iv, plaintext []byte) ([]byte, error)
	Decrypt(key, iv, ciphertext []byte) ([]byte, error)
	IVLen() int
	KeyLen() int
}

// ReadWriteSeeker turns blockSize-byte plaintext blocks into
// (IV ‖ ciphertext) records of size blockSize+cipher.IVLen() on the
// backing io.ReadWriteSeeker. It tracks only a logical plaintext cursor;
// all block math is computed on demand.
type ReadWriteSeeker struct {
	backing   io.ReadWriteSeeker
	view      View
	cipher    Cipher
	blockSize int
	cursor    int64
}

// New wraps backing with block-level encryption. blockSize is the live
// plaintext size of one block (BLOCK_SZ); view supplies and rotates the
// per-block keys.
func New(backing io.ReadWriteSeeker, view View, cipher Cipher, blockSize int) *ReadWriteSeeker {
	return &ReadWriteSeeker{backing: backing, view: view, cipher: cipher, blockSize: blockSize}
}

func (rw *ReadWriteSeeker) recordSize() int64 {
	return int64(rw.blockSize) + int64(rw.cipher.IVLen())
}

// Seek updates the logical plaintext cursor only; it performs no I/O.
func (rw *ReadWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = rw.cursor + offset
	case io.SeekEnd:
		return 0, fmt.Errorf("blockio: SeekEnd is not supported, size is known only to the caller")
	default:
		return 0, fmt.Errorf("blockio: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("blockio: negative seek result %d", next)
	}
	rw.cursor = next
	return rw.cursor, nil
}

// readBlock fetches and decrypts block b, returning its live plaintext
// (which may be shorter than blockSize for the final block of a file, and
// is empty — not an error — if the block has never been written).
func (rw *ReadWriteSeeker) readBlock(b uint64) ([]byte, error) {
	if _, err := rw.backing.Seek(int64(b)*rw.recordSize(), io.SeekStart); err != nil {
		return nil, err
	}

	iv := make([]byte, rw.cipher.IVLen())
	if _, err := io.ReadFull(rw.backing, iv); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, err
	}

	ciphertext := make([]byte, rw.blockSize)
	n, err := io.ReadFull(rw.backing, ciphertext)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	ciphertext = ciphertext[:n]

	key, err := rw.view.Derive(b)
	if err != nil {
		return nil, err
	}
	plaintext, err := rw.cipher.Decrypt(key, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// writeBlock encrypts plaintext (as given; callers pass at most blockSize
// bytes) under a freshly rotated key and IV, and writes the
// (IV ‖ ciphertext) record for block b.
func (rw *ReadWriteSeeker) writeBlock(b uint64, plaintext []byte) error {
	key, err := rw.view.Update(b)
	if err != nil {
		return err
	}
	iv := make([]byte, rw.cipher.IVLen())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("blockio: generate iv: %w", err)
	}
	ciphertext, err := rw.cipher.Encrypt(key, iv, plaintext)
	if err != nil {
		return err
	}

	if _, err := rw.backing.Seek(int64(b)*rw.recordSize(), io.SeekStart); err != nil {
		return err
	}
	if _, err := rw.backing.Write(iv); err != nil {
		return err
	}
	if _, err := rw.backing.Write(ciphertext); err != nil {
		return err
	}
	return nil
}

// Read fills p starting at the logical cursor, returning the number of
// plaintext bytes produced. A short read (n < len(p)) signals EOF, exactly
// as io.Reader promises; a short read and a nil error together are
// permitted by that contract and used here for the final partial block.
func (rw *ReadWriteSeeker) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	start := rw.cursor
	total := 0
	for total < len(p) {
		offset := start + int64(total)
		b := uint64(offset) / uint64(rw.blockSize)
		within := int(uint64(offset) % uint64(rw.blockSize))

		plaintext, err := rw.readBlock(b)
		if err != nil {
			return total, err
		}
		if within >= len(plaintext) {
			rw.cursor = offset
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}

		n := copy(p[total:], plaintext[within:])
		total += n
	}
	rw.cursor = start + int64(total)
	return total, nil
}

// backingSize returns the current raw length of the backing store, without
// disturbing whatever seek position the caller had parked it at.
func (rw *ReadWriteSeeker) backingSize() (int64, error) {
	cur, err := rw.backing.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := rw.backing.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := rw.backing.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

// Write consumes all of p at the logical cursor, read-modify-writing any
// block the write only partially covers, and materializing whole
// zero-filled block records for any gap between the backing store's
// current end and the write's starting block (the scheme has no sparse
// representation for holes, since every record needs its own IV). A
// zero-length write is a no-op.
func (rw *ReadWriteSeeker) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	start := rw.cursor
	startBlock := uint64(start) / uint64(rw.blockSize)

	size, err := rw.backingSize()
	if err != nil {
		return 0, err
	}
	recordSize := rw.recordSize()
	existingBlocks := (size + recordSize - 1) / recordSize
	if size%recordSize != 0 && uint64(existingBlocks) <= startBlock {
		// A short final record is zero-padded to a whole block before any
		// later record is written past it.
		last := uint64(existingBlocks - 1)
		tail, err := rw.readBlock(last)
		if err != nil {
			return 0, err
		}
		padded := make([]byte, rw.blockSize)
		copy(padded, tail)
		if err := rw.writeBlock(last, padded); err != nil {
			return 0, err
		}
	}
	for b := uint64(existingBlocks); b < startBlock; b++ {
		if err := rw.writeBlock(b, make([]byte, rw.blockSize)); err != nil {
			return 0, err
		}
	}

	total := 0
	for total < len(p) {
		offset := start + int64(total)
		b := uint64(offset) / uint64(rw.blockSize)
		within := int(uint64(offset) % uint64(rw.blockSize))
		remaining := len(p) - total
		chunk := rw.blockSize - within
		if chunk > remaining {
			chunk = remaining
		}
		wholeBlock := within == 0 && chunk == rw.blockSize

		var existing []byte
		if !wholeBlock {
			existing, err = rw.readBlock(b)
			if err != nil {
				return total, err
			}
		}

		live := within + chunk
		if len(existing) > live {
			live = len(existing)
		}
		plaintext := make([]byte, live)
		copy(plaintext, existing)
		copy(plaintext[within:within+chunk], p[total:total+chunk])

		if err := rw.writeBlock(b, plaintext); err != nil {
			return total, err
		}
		total += chunk
	}
	rw.cursor = start + int64(total)
	return total, nil
}
