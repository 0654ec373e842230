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
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIDTokenTTL bounds ID token lifetime when the caller passes none
const DefaultIDTokenTTL = 5 * time.Minute

// IDTokenClaims is the payload of an issued ID token
type IDTokenClaims struct {
	jwt.RegisteredClaims
	Nonce  string `json:"nonce,omitempty"`
	AtHash string `json:"at_hash,omitempty"`
}

// IDTokenParams carries the inputs for minting an ID token
type IDTokenParams struct {
	Issuer      string
	Subject     string
	ClientID    string
	Nonce       string
	AccessToken string
	TTL         time.Duration
}

// IssueIDToken mints a signed ID token for an authenticated subject. The
// nonce is echoed when the authorization request carried one, and at_hash
// binds the token to the access token issued alongside it.
func (k *Keyring) IssueIDToken(p IDTokenParams) (string, error) {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultIDTokenTTL
	}
	now := k.now().UTC()

	claims := IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.Issuer,
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings{p.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Nonce: p.Nonce,
	}
	if p.AccessToken != "" {
		claims.AtHash = accessTokenHash(p.AccessToken)
	}
	return k.Sign(claims)
}

// accessTokenHash computes the at_hash value: base64url of the left half
// of the SHA-256 digest of the access token
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:sha256.Size/2])
}
