// Copyright 2026 The OpenAuth Authors
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

// Package crypto implements the primitives shared by the issuer: AES-256-GCM
// for secrets at rest, PBKDF2-SHA256 for stored credentials, and CSPRNG
// helpers for opaque values.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	aeadKeySize = 32
	gcmIVSize   = 12
	gcmTagSize  = 16
)

// ErrDecryption is returned for every failed decryption path: wrong key,
// altered ciphertext, altered IV, or malformed input. Callers must not be
// able to distinguish the cases.
var ErrDecryption = errors.New("crypto: decryption failed")

// AEAD encrypts small secrets with AES-256-GCM. The stored form keeps the
// ciphertext and tag together as "base64(ct).base64(tag)" and the IV in a
// separate column so that rows can be re-keyed without re-parsing payloads.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD builds an AEAD around a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != aeadKeySize {
		return nil, fmt.Errorf("crypto: AEAD key must be %d bytes, got %d", aeadKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

// ParseKeyHex decodes a 64-character hex string into a 32-byte key. This is
// the format used for ENCRYPTION_KEY and SESSION_COOKIE_SECRET.
func ParseKeyHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not valid hex: %w", err)
	}
	if len(key) != aeadKeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes (%d hex chars), got %d bytes", aeadKeySize, aeadKeySize*2, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext under a fresh random IV. It returns the combined
// "ciphertext.tag" string and the IV, both base64 encoded.
func (a *AEAD) Encrypt(plaintext []byte) (ciphertext string, iv string, err error) {
	nonce := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("crypto: generate IV: %w", err)
	}
	sealed := a.aead.Seal(nil, nonce, plaintext, nil)
	// Seal appends the 16-byte tag to the ciphertext.
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]
	combined := base64.StdEncoding.EncodeToString(ct) + "." + base64.StdEncoding.EncodeToString(tag)
	return combined, base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a value produced by Encrypt.
func (a *AEAD) Decrypt(ciphertext string, iv string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(nonce) != gcmIVSize {
		return nil, ErrDecryption
	}
	ctPart, tagPart, ok := strings.Cut(ciphertext, ".")
	if !ok {
		return nil, ErrDecryption
	}
	ct, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return nil, ErrDecryption
	}
	tag, err := base64.StdEncoding.DecodeString(tagPart)
	if err != nil || len(tag) != gcmTagSize {
		return nil, ErrDecryption
	}
	plaintext, err := a.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string payloads.
func (a *AEAD) EncryptString(plaintext string) (ciphertext string, iv string, err error) {
	return a.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt returning a string.
func (a *AEAD) DecryptString(ciphertext string, iv string) (string, error) {
	b, err := a.Decrypt(ciphertext, iv)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
