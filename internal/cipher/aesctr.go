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

package cipher

import (
	"crypto/aes"
	"crypto/cipher"
)

const (
	// AES256KeyLen is the key size, in bytes, for AES-256-CTR.
	AES256KeyLen = 32

	// AES256IVLen is the IV (counter block) size, in bytes, for AES-256-CTR.
	AES256IVLen = aes.BlockSize
)

// AESCTR is the default Capability: AES-256 in counter mode. It is a stream
// cipher, so Encrypt and Decrypt are the same XOR-with-keystream operation
// and both are length-preserving by construction.
type AESCTR struct{}

// NewAESCTR returns the default cipher capability used by SDBTreeFS.
func NewAESCTR() AESCTR {
	return AESCTR{}
}

func (AESCTR) IVLen() int  { return AES256IVLen }
func (AESCTR) KeyLen() int { return AES256KeyLen }

func (a AESCTR) Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	return a.xor(key, iv, plaintext)
}

func (a AESCTR) Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	return a.xor(key, iv, ciphertext)
}

func (a AESCTR) xor(key, iv, in []byte) ([]byte, error) {
	if len(key) != a.KeyLen() {
		return nil, ErrInvalidKeyLen{Got: len(key), Want: a.KeyLen()}
	}
	if len(iv) != a.IVLen() {
		return nil, ErrInvalidIVLen{Got: len(iv), Want: a.IVLen()}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}
