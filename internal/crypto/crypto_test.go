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
	"strings"
	"testing"
)

func testAEAD(t *testing.T) *AEAD {
	t.Helper()
	key, err := ParseKeyHex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	a, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("new AEAD: %v", err)
	}
	return a
}

// TestPurpose: Validates AEAD round-trips for arbitrary payloads and that every tamper path (ciphertext, tag, IV, wrong key) fails with ErrDecryption.
// Scope: Unit Test
// Security: Confidentiality and integrity of provider secrets at rest.
// Expected: Decrypt(Encrypt(s)) == s; any modification fails uniformly.
// Test Case ID: CRY-01
func TestCrypto_AEAD_RoundTripAndTamper(t *testing.T) {
	a := testAEAD(t)

	payloads := []string{"", "x", "client-secret-1234", strings.Repeat("long ", 512), "\x00\x01\xff binary"}
	for _, p := range payloads {
		ct, iv, err := a.EncryptString(p)
		if err != nil {
			t.Fatalf("encrypt %q: %v", p, err)
		}
		got, err := a.DecryptString(ct, iv)
		if err != nil {
			t.Fatalf("decrypt %q: %v", p, err)
		}
		if got != p {
			t.Errorf("round trip mismatch: got %q want %q", got, p)
		}
	}

	ct, iv, err := a.EncryptString("sensitive")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// 1. Flip a ciphertext byte.
	tampered := "A" + ct[1:]
	if tampered == ct {
		tampered = "B" + ct[1:]
	}
	if _, err := a.DecryptString(tampered, iv); err != ErrDecryption {
		t.Errorf("tampered ciphertext: expected ErrDecryption, got %v", err)
	}

	// 2. Swap the tag for another message's tag.
	ct2, _, err := a.EncryptString("other")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	mixed := strings.Split(ct, ".")[0] + "." + strings.Split(ct2, ".")[1]
	if _, err := a.DecryptString(mixed, iv); err != ErrDecryption {
		t.Errorf("swapped tag: expected ErrDecryption, got %v", err)
	}

	// 3. Wrong IV.
	_, iv2, err := a.EncryptString("whatever")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if iv2 != iv {
		if _, err := a.DecryptString(ct, iv2); err != ErrDecryption {
			t.Errorf("wrong IV: expected ErrDecryption, got %v", err)
		}
	}

	// 4. Wrong key.
	otherKey, _ := ParseKeyHex("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	other, err := NewAEAD(otherKey)
	if err != nil {
		t.Fatalf("new AEAD: %v", err)
	}
	if _, err := other.DecryptString(ct, iv); err != ErrDecryption {
		t.Errorf("wrong key: expected ErrDecryption, got %v", err)
	}

	// 5. Garbage input shapes.
	for _, bad := range []struct{ ct, iv string }{
		{"not-base64!!", iv},
		{"missing-separator", iv},
		{ct, "short"},
		{"", ""},
	} {
		if _, err := a.DecryptString(bad.ct, bad.iv); err != ErrDecryption {
			t.Errorf("garbage input %+v: expected ErrDecryption, got %v", bad, err)
		}
	}
}

// TestPurpose: Validates that encrypting the same plaintext twice produces distinct ciphertexts and IVs.
// Scope: Unit Test
// Security: IV reuse under GCM would break confidentiality.
// Expected: Two encryptions of one payload never share an IV.
// Test Case ID: CRY-02
func TestCrypto_AEAD_FreshIVPerEncryption(t *testing.T) {
	a := testAEAD(t)
	ct1, iv1, err := a.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct2, iv2, err := a.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if iv1 == iv2 {
		t.Fatal("IV reused across encryptions")
	}
	if ct1 == ct2 {
		t.Error("identical ciphertext for identical plaintext suggests deterministic encryption")
	}
}

// TestPurpose: Validates AEAD key parsing rejects wrong lengths and non-hex input.
// Scope: Unit Test
// Security: A truncated key must fail closed at startup rather than weaken encryption.
// Expected: Errors for short, long, and invalid hex keys.
// Test Case ID: CRY-03
func TestCrypto_ParseKeyHex_Invalid(t *testing.T) {
	cases := []string{
		"",
		"abcd",
		strings.Repeat("0", 63),
		strings.Repeat("0", 66),
		strings.Repeat("z", 64),
	}
	for _, c := range cases {
		if _, err := ParseKeyHex(c); err == nil {
			t.Errorf("ParseKeyHex(%q): expected error", c)
		}
	}
	if _, err := ParseKeyHex(strings.Repeat("ab", 32)); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}
