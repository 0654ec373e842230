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

package oauth2

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meywd/openauth-sub002/internal/storage"
)

// Non-protocol sentinels. Protocol failures travel as *Error instead.
var (
	ErrRequestNotFound = errors.New("authorization request not found")
	ErrFeatureDisabled = errors.New("feature disabled")
)

const (
	ScopeOpenID = "openid"

	// Subject types carried in the type claim
	SubjectUser   = "user"
	SubjectClient = "client"
)

// Storage key layout. All keys live under the tenant scope; the refresh
// token namespace is keyed by subject first so one scan finds everything a
// user holds.
func keyAuthRequest(id string) storage.Key   { return storage.Key{"authreq", id} }
func keyCode(code string) storage.Key        { return storage.Key{"code", code} }
func keyRefresh(subjectID, tokenID string) storage.Key {
	return storage.Key{"refresh", subjectID, tokenID}
}
func keyRefreshIndex(tokenID string) storage.Key  { return storage.Key{"refresh_idx", tokenID} }
func keyRefreshActive(tokenID string) storage.Key { return storage.Key{"refresh_active", tokenID} }
func keyRefreshFamily(familyID, tokenID string) storage.Key {
	return storage.Key{"refresh_family", familyID, tokenID}
}

// Subject identifies the authenticated principal tokens are minted for.
// Properties always carry at least an "id" entry.
type Subject struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ID returns the subject's stable identifier
func (s Subject) ID() string {
	v, _ := s.Properties["id"].(string)
	return v
}

// AuthRequest is a validated authorization request parked in storage while
// the resource owner authenticates
type AuthRequest struct {
	ID                  string         `json:"id"`
	ClientID            string         `json:"client_id"`
	RedirectURI         string         `json:"redirect_uri"`
	Scopes              []string       `json:"scopes,omitempty"`
	State               string         `json:"state,omitempty"`
	Nonce               string         `json:"nonce,omitempty"`
	Prompt              string         `json:"prompt,omitempty"`
	MaxAge              *time.Duration `json:"max_age,omitempty"`
	LoginHint           string         `json:"login_hint,omitempty"`
	AccountHint         string         `json:"account_hint,omitempty"`
	Provider            string         `json:"provider,omitempty"`
	CodeChallenge       string         `json:"code_challenge,omitempty"`
	CodeChallengeMethod string         `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// authCode is the single-use code record. It pins everything the token
// endpoint must re-verify at redemption.
type authCode struct {
	TenantID            string    `json:"tenant_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Subject             Subject   `json:"subject"`
	Scopes              []string  `json:"scopes,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// RefreshToken is one member of a rotation family. PreviousID links the
// chain; ConsumedAt marks a token that has been rotated away or revoked.
type RefreshToken struct {
	ID         string     `json:"id"`
	FamilyID   string     `json:"family_id"`
	PreviousID string     `json:"previous_id,omitempty"`
	TenantID   string     `json:"tenant_id"`
	ClientID   string     `json:"client_id"`
	Subject    Subject    `json:"subject"`
	Scopes     []string   `json:"scopes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// refreshPointer resolves a raw token id to its primary record and family.
// Stored under the index and family keys.
type refreshPointer struct {
	SubjectID string `json:"subject_id"`
	FamilyID  string `json:"family_id"`
}

// TokenRequest is the parsed body of the token endpoint
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse is the success payload of the token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenClaims is the decoded payload of a verified access token
type TokenClaims struct {
	Issuer      string         `json:"iss"`
	Subject     string         `json:"sub"`
	Audience    string         `json:"aud"`
	IssuedAt    int64          `json:"iat"`
	ExpiresAt   int64          `json:"exp"`
	JTI         string         `json:"jti"`
	Type        string         `json:"type"`
	Properties  map[string]any `json:"properties,omitempty"`
	Mode        string         `json:"mode"`
	TenantID    string         `json:"tenant_id"`
	ClientID    string         `json:"client_id"`
	Scope       string         `json:"scope,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
}

// HasScope reports whether the token's scope grant includes scope
func (c *TokenClaims) HasScope(scope string) bool {
	return containsScope(ParseScopes(c.Scope), scope)
}

// DecodeClaims converts verified MapClaims into the typed claim set
func DecodeClaims(m jwt.MapClaims) (*TokenClaims, error) {
	blob, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var claims TokenClaims
	if err := json.Unmarshal(blob, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// Introspection is the token metadata payload (RFC 7662)
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Jti       string `json:"jti,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
}

// ParseScopes splits a space-delimited scope parameter
func ParseScopes(scope string) []string {
	return strings.Fields(scope)
}

// JoinScopes renders a scope list for wire responses
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func containsScope(scopes []string, target string) bool {
	for _, s := range scopes {
		if s == target {
			return true
		}
	}
	return false
}

// ScopeGrant is the outcome of checking requested scopes against an allowed
// set
type ScopeGrant struct {
	Valid   bool     `json:"valid"`
	Granted []string `json:"granted"`
	Denied  []string `json:"denied"`
}

// ValidateScopes checks each requested scope against the allowed set,
// preserving request order in the result. An empty request grants the full
// allowed set.
func ValidateScopes(requested string, allowed []string) ScopeGrant {
	scopes := ParseScopes(requested)
	if len(scopes) == 0 {
		return ScopeGrant{
			Valid:   true,
			Granted: append([]string{}, allowed...),
			Denied:  []string{},
		}
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}

	grant := ScopeGrant{Granted: []string{}, Denied: []string{}}
	for _, s := range scopes {
		if _, ok := allowedSet[s]; ok {
			grant.Granted = append(grant.Granted, s)
		} else {
			grant.Denied = append(grant.Denied, s)
		}
	}
	grant.Valid = len(grant.Denied) == 0
	return grant
}

// matchRedirectURI accepts an exact registration or a registered prefix on
// the same host, so clients can use per-request callback subpaths without
// the prefix check ever crossing hosts.
func matchRedirectURI(registered []string, redirectURI string) bool {
	requested, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	for _, reg := range registered {
		if reg == redirectURI {
			return true
		}
		if !strings.HasPrefix(redirectURI, reg) {
			continue
		}
		if regURL, err := url.Parse(reg); err == nil && regURL.Host != "" && regURL.Host == requested.Host {
			return true
		}
	}
	return false
}

// validatePKCE checks a code verifier against the stored challenge.
// An empty method defaults to plain (RFC 7636 Section 4.3).
func validatePKCE(challenge, method, verifier string) bool {
	switch method {
	case "", "plain":
		return challenge == verifier
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		return challenge == base64.RawURLEncoding.EncodeToString(sum[:])
	default:
		return false
	}
}

// appendQuery adds parameters to a redirect URI, preserving any it already
// carries. Empty values are skipped.
func appendQuery(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for name, values := range params {
		for _, v := range values {
			if v != "" {
				q.Set(name, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
