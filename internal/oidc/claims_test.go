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

package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr, err := NewKeyring(context.Background(), newTestStore(t), newTestAEAD(t), AlgRS256)
	require.NoError(t, err)
	return kr
}

func parseIDToken(t *testing.T, kr *Keyring, raw string) (*IDTokenClaims, jwt.MapClaims) {
	t.Helper()
	var claims IDTokenClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, kr.Keyfunc)
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	require.NoError(t, err)
	return &claims, unverified.Claims.(jwt.MapClaims)
}

// TestPurpose: Validates ID token claim contents: issuer, subject, audience, lifetime, nonce echo, and at_hash binding.
// Scope: Unit Test
// Security: at_hash must follow the left-half SHA-256 construction so relying parties can bind the ID token to its access token.
// Expected: All registered claims match inputs, exp-iat equals the default five minutes, the nonce is echoed verbatim, and at_hash equals the computed reference value.
// Test Case ID: OID-05
func TestIDToken_Claims(t *testing.T) {
	kr := issueTestKeyring(t)
	fixed := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	kr.now = func() time.Time { return fixed }

	accessToken := "access-token-for-hash"
	raw, err := kr.IssueIDToken(IDTokenParams{
		Issuer:      "https://auth.example.com",
		Subject:     "usr_1",
		ClientID:    "client_1",
		Nonce:       "nonce-12345",
		AccessToken: accessToken,
	})
	require.NoError(t, err)

	claims, _ := parseIDToken(t, kr, raw)
	assert.Equal(t, "https://auth.example.com", claims.Issuer)
	assert.Equal(t, "usr_1", claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{"client_1"}, claims.Audience)
	assert.Equal(t, fixed, claims.IssuedAt.Time)
	assert.Equal(t, fixed.Add(DefaultIDTokenTTL), claims.ExpiresAt.Time)
	assert.Equal(t, "nonce-12345", claims.Nonce)

	sum := sha256.Sum256([]byte(accessToken))
	wantAtHash := base64.RawURLEncoding.EncodeToString(sum[:16])
	assert.Equal(t, wantAtHash, claims.AtHash)

	t.Run("ttl override", func(t *testing.T) {
		raw, err := kr.IssueIDToken(IDTokenParams{
			Issuer:   "https://auth.example.com",
			Subject:  "usr_1",
			ClientID: "client_1",
			TTL:      time.Hour,
		})
		require.NoError(t, err)
		claims, _ := parseIDToken(t, kr, raw)
		assert.Equal(t, fixed.Add(time.Hour), claims.ExpiresAt.Time)
	})
}

// TestPurpose: Validates conditional claims: nonce and at_hash appear only when their inputs are present.
// Scope: Unit Test
// Expected: Without a nonce or access token the corresponding claims are absent from the payload, not empty strings.
// Test Case ID: OID-06
func TestIDToken_ConditionalClaims(t *testing.T) {
	kr := issueTestKeyring(t)

	raw, err := kr.IssueIDToken(IDTokenParams{
		Issuer:   "https://auth.example.com",
		Subject:  "usr_1",
		ClientID: "client_1",
	})
	require.NoError(t, err)

	_, payload := parseIDToken(t, kr, raw)
	_, hasNonce := payload["nonce"]
	assert.False(t, hasNonce, "nonce should be absent when not requested")
	_, hasAtHash := payload["at_hash"]
	assert.False(t, hasAtHash, "at_hash should be absent without an access token")
}

// TestPurpose: Validates subject stability: the sub claim is the user id itself, identical across clients and issuance times.
// Scope: Unit Test
// Security: Relying parties correlate accounts on sub; it must not vary per client.
// Expected: Tokens for the same user against two different clients carry the same sub.
// Test Case ID: OID-07
func TestIDToken_SubjectStableAcrossClients(t *testing.T) {
	kr := issueTestKeyring(t)

	subjects := make([]string, 0, 2)
	for _, clientID := range []string{"client_a", "client_b"} {
		raw, err := kr.IssueIDToken(IDTokenParams{
			Issuer:   "https://auth.example.com",
			Subject:  "usr_42",
			ClientID: clientID,
		})
		require.NoError(t, err)
		claims, _ := parseIDToken(t, kr, raw)
		subjects = append(subjects, claims.Subject)
	}
	assert.Equal(t, subjects[0], subjects[1])
	assert.Equal(t, "usr_42", subjects[0])
}
