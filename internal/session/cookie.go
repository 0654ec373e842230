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

package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
)

// DefaultCookieName is used when no cookie name is configured.
const DefaultCookieName = "__session"

// CookiePayload is the JSON sealed inside the session cookie. The browser
// never sees the session ID in the clear.
type CookiePayload struct {
	SessionID string `json:"sid"`
	TenantID  string `json:"tid"`
	Version   int64  `json:"v"`
	IssuedAt  int64  `json:"iat"`
}

// CookieConfig carries the cookie attributes and the content-encryption key.
type CookieConfig struct {
	Name   string
	Domain string
	// Secret is the 32-byte A256GCM content-encryption key.
	Secret []byte
	// MaxAge mirrors the session lifetime.
	MaxAge   time.Duration
	Secure   bool
	SameSite http.SameSite
}

// CookieCodec seals and opens the browser session cookie as a compact JWE
// (alg=dir, enc=A256GCM).
type CookieCodec struct {
	cfg CookieConfig
}

// NewCookieCodec validates the key length and fills attribute defaults
// (HttpOnly Lax cookie named __session).
func NewCookieCodec(cfg CookieConfig) (*CookieCodec, error) {
	if len(cfg.Secret) != 32 {
		return nil, fmt.Errorf("session: cookie secret must be 32 bytes, got %d", len(cfg.Secret))
	}
	if cfg.Name == "" {
		cfg.Name = DefaultCookieName
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteLaxMode
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultLifetime
	}
	return &CookieCodec{cfg: cfg}, nil
}

// Name returns the configured cookie name.
func (c *CookieCodec) Name() string { return c.cfg.Name }

// Encode seals the payload into a compact JWE cookie value.
func (c *CookieCodec) Encode(p CookiePayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sealed, err := jwe.Encrypt(raw,
		jwe.WithKey(jwa.DIRECT, c.cfg.Secret),
		jwe.WithContentEncryption(jwa.A256GCM),
	)
	if err != nil {
		return "", fmt.Errorf("session: seal cookie: %w", err)
	}
	return string(sealed), nil
}

// Decode opens a cookie value. Tampered, truncated, or wrong-key input all
// map to ErrInvalidCookie; the caller treats the request as cookieless.
func (c *CookieCodec) Decode(value string) (*CookiePayload, error) {
	raw, err := jwe.Decrypt([]byte(value), jwe.WithKey(jwa.DIRECT, c.cfg.Secret))
	if err != nil {
		return nil, ErrInvalidCookie
	}
	var p CookiePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidCookie
	}
	if p.SessionID == "" || p.TenantID == "" {
		return nil, ErrInvalidCookie
	}
	return &p, nil
}

// NewCookie builds the Set-Cookie value for a session at its current version.
func (c *CookieCodec) NewCookie(sess *BrowserSession, issuedAt time.Time) (*http.Cookie, error) {
	value, err := c.Encode(CookiePayload{
		SessionID: sess.ID,
		TenantID:  sess.TenantID,
		Version:   sess.Version,
		IssuedAt:  issuedAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     c.cfg.Name,
		Value:    value,
		Path:     "/",
		Domain:   c.cfg.Domain,
		MaxAge:   int(c.cfg.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: c.cfg.SameSite,
	}, nil
}

// ClearCookie expires the session cookie on the client.
func (c *CookieCodec) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.cfg.Name,
		Value:    "",
		Path:     "/",
		Domain:   c.cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: c.cfg.SameSite,
	}
}
