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

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Allowed grant types
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

const (
	maxScopes       = 50
	maxRedirectURIs = 10
	maxMetadataSize = 10 * 1024
)

// Client represents a registered OAuth2 relying party within a tenant
type Client struct {
	ID                      string          `json:"id"`
	TenantID                string          `json:"tenant_id"`
	Name                    string          `json:"name"`
	SecretHash              string          `json:"-"`
	PreviousSecretHash      string          `json:"-"`
	PreviousSecretExpiresAt *time.Time      `json:"-"`
	GrantTypes              []string        `json:"grant_types"`
	Scopes                  []string        `json:"scopes"`
	RedirectURIs            []string        `json:"redirect_uris"`
	Metadata                json.RawMessage `json:"metadata,omitempty"`
	Public                  bool            `json:"public,omitempty"`
	Enabled                 bool            `json:"enabled"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
	RotatedAt               *time.Time      `json:"rotated_at,omitempty"`
}

// ValidateRedirectURI checks if the redirect URI is registered for this client
func (c *Client) ValidateRedirectURI(redirectURI string) bool {
	for _, uri := range c.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// HasGrantType checks if the client may use the given grant
func (c *Client) HasGrantType(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AllowsScope checks if a single scope is registered for this client
func (c *Client) AllowsScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

var (
	namePattern  = regexp.MustCompile(`^[A-Za-z0-9_\- ]{1,100}$`)
	scopePattern = regexp.MustCompile(`^[A-Za-z0-9_:.\-]+$`)
)

// Validation failures carry a stable sentinel so callers can map them to
// wire error codes without parsing messages.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidGrantType   = errors.New("invalid grant type")
	ErrInvalidScopeFormat = errors.New("invalid scope format")
	ErrInvalidRedirectURI = errors.New("invalid redirect URI")
)

// ValidateName checks the client display name
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: client name must match %s", ErrInvalidInput, namePattern.String())
	}
	return nil
}

// ValidateGrantTypes checks grants against the allowed set
func ValidateGrantTypes(grants []string) error {
	for _, g := range grants {
		switch g {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
		default:
			return fmt.Errorf("%w: unsupported grant type %q", ErrInvalidGrantType, g)
		}
	}
	return nil
}

// ValidateScopes checks scope charset and count
func ValidateScopes(scopes []string) error {
	if len(scopes) > maxScopes {
		return fmt.Errorf("%w: at most %d scopes allowed", ErrInvalidScopeFormat, maxScopes)
	}
	for _, s := range scopes {
		if !scopePattern.MatchString(s) {
			return fmt.Errorf("%w: invalid scope %q", ErrInvalidScopeFormat, s)
		}
	}
	return nil
}

// ValidateRedirectURIs checks URI count and scheme. HTTPS is required except
// for loopback hosts.
func ValidateRedirectURIs(uris []string) error {
	if len(uris) > maxRedirectURIs {
		return fmt.Errorf("%w: at most %d redirect URIs allowed", ErrInvalidRedirectURI, maxRedirectURIs)
	}
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: %q is not a valid URL", ErrInvalidRedirectURI, raw)
		}
		switch u.Scheme {
		case "https":
		case "http":
			if host := u.Hostname(); host != "localhost" && host != "127.0.0.1" {
				return fmt.Errorf("%w: %q must use https", ErrInvalidRedirectURI, raw)
			}
		default:
			return fmt.Errorf("%w: %q must use http(s)", ErrInvalidRedirectURI, raw)
		}
		if u.Fragment != "" {
			return fmt.Errorf("%w: %q must not contain a fragment", ErrInvalidRedirectURI, raw)
		}
	}
	return nil
}

// ValidateMetadata checks the optional metadata blob
func ValidateMetadata(metadata json.RawMessage) error {
	if len(metadata) == 0 {
		return nil
	}
	if len(metadata) > maxMetadataSize {
		return fmt.Errorf("%w: metadata exceeds %d bytes", ErrInvalidInput, maxMetadataSize)
	}
	if !json.Valid(metadata) {
		return fmt.Errorf("%w: metadata is not valid JSON", ErrInvalidInput)
	}
	return nil
}

func (c *Client) validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if err := ValidateGrantTypes(c.GrantTypes); err != nil {
		return err
	}
	if err := ValidateScopes(c.Scopes); err != nil {
		return err
	}
	if err := ValidateRedirectURIs(c.RedirectURIs); err != nil {
		return err
	}
	if err := ValidateMetadata(c.Metadata); err != nil {
		return err
	}
	if c.HasGrantType(GrantAuthorizationCode) && len(c.RedirectURIs) == 0 {
		return fmt.Errorf("%w: authorization_code clients need at least one redirect URI", ErrInvalidRedirectURI)
	}
	if c.Public && c.HasGrantType(GrantClientCredentials) {
		return fmt.Errorf("%w: public clients cannot use the client_credentials grant", ErrInvalidGrantType)
	}
	return nil
}
