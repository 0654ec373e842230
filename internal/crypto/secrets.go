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

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters for stored secrets. The serialized form is
// $pbkdf2-sha256$<iterations>$<base64url(salt)>$<base64url(hash)>, which
// allows the iteration count to be raised later without invalidating
// existing hashes.
const (
	pbkdf2Iterations = 100_000
	pbkdf2SaltSize   = 16
	pbkdf2KeySize    = 32
	pbkdf2Prefix     = "pbkdf2-sha256"
)

// RandomSecret returns a 256-bit secret as URL-safe base64 without padding.
func RandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomCode returns a numeric one-time code of the given length, each digit
// drawn independently from the CSPRNG.
func RandomCode(digits int) (string, error) {
	var sb strings.Builder
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("crypto: generate code: %w", err)
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String(), nil
}

// HashSecret derives a PBKDF2-SHA256 hash of the secret under a fresh salt.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, pbkdf2SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	hash := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, pbkdf2KeySize, sha256.New)
	return fmt.Sprintf("$%s$%d$%s$%s",
		pbkdf2Prefix,
		pbkdf2Iterations,
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(hash),
	), nil
}

// VerifySecret checks a plaintext secret against a stored hash in constant
// time. A malformed stored hash verifies as false with an error rather than
// panicking, so a corrupted row cannot take down the token endpoint.
func VerifySecret(secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != pbkdf2Prefix {
		return false, fmt.Errorf("crypto: malformed secret hash")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return false, fmt.Errorf("crypto: malformed iteration count")
	}
	salt, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("crypto: malformed salt: %w", err)
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("crypto: malformed hash: %w", err)
	}
	got := pbkdf2.Key([]byte(secret), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// MaskSecret returns the conventional masked rendering of a secret for API
// responses: all but the last four characters replaced.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
