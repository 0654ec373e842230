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

//go:build e2e

// Package e2e drives the protocol scenarios against a running issuer.
//
// Point OPENAUTH_URL at the instance; it must equal the instance's
// PUBLIC_URL or the issuer assertions fail. Provision a confidential client
// with the authorization_code and refresh_token grants and export:
//
//	OPENAUTH_E2E_CLIENT_ID      (default "test-client")
//	OPENAUTH_E2E_CLIENT_SECRET  (required for the token scenarios)
//	OPENAUTH_E2E_REDIRECT_URI   (default "http://localhost:3000/callback")
//
// The audit assertions additionally want an admin client with admin:read:
//
//	OPENAUTH_E2E_ADMIN_CLIENT_ID / OPENAUTH_E2E_ADMIN_CLIENT_SECRET
package e2e

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	baseURL      = getEnv("OPENAUTH_URL", "http://localhost:8080")
	clientID     = getEnv("OPENAUTH_E2E_CLIENT_ID", "test-client")
	clientSecret = os.Getenv("OPENAUTH_E2E_CLIENT_SECRET")
	redirectURI  = getEnv("OPENAUTH_E2E_REDIRECT_URI", "http://localhost:3000/callback")
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// browser returns a cookie-holding client that surfaces redirects instead
// of following them off the issuer.
func browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar:     jar,
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

// tokenPayload decodes the claims segment of a compact JWT without
// verifying the signature; the issuer's own JWKS covers that elsewhere.
func tokenPayload(t *testing.T, raw string) map[string]any {
	t.Helper()
	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3, "expected a compact JWT")
	buf, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(buf, &claims))
	return claims
}

func exchangeToken(t *testing.T, c *http.Client, form url.Values) (int, map[string]any) {
	t.Helper()
	resp, err := c.PostForm(baseURL+"/token", form)
	require.NoError(t, err)
	return resp.StatusCode, decodeJSON(t, resp)
}

func requireClientSecret(t *testing.T) {
	t.Helper()
	if clientSecret == "" {
		t.Skip("OPENAUTH_E2E_CLIENT_SECRET not set")
	}
}

func TestIssuerScenarios(t *testing.T) {
	// State flows forward through the subtests
	var (
		firstAccess  string
		firstRefresh string
	)

	t.Run("well-known metadata", func(t *testing.T) {
		for _, path := range []string{
			"/.well-known/oauth-authorization-server",
			"/.well-known/openid-configuration",
		} {
			resp, err := http.Get(baseURL + path)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode, path)
			doc := decodeJSON(t, resp)

			assert.Equal(t, baseURL, doc["issuer"])
			assert.Equal(t, baseURL+"/authorize", doc["authorization_endpoint"])
			assert.Equal(t, baseURL+"/token", doc["token_endpoint"])
			assert.Equal(t, baseURL+"/.well-known/jwks.json", doc["jwks_uri"])
			assert.Contains(t, doc["response_types_supported"], "code")
			assert.Contains(t, doc["grant_types_supported"], "authorization_code")
			assert.Contains(t, doc["grant_types_supported"], "refresh_token")
		}

		resp, err := http.Get(baseURL + "/.well-known/jwks.json")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		jwks := decodeJSON(t, resp)
		assert.NotEmpty(t, jwks["keys"])
	})

	t.Run("password register and code grant", func(t *testing.T) {
		requireClientSecret(t)
		c := browser(t)

		authorizeURL := baseURL + "/authorize?" + url.Values{
			"client_id":     {clientID},
			"redirect_uri":  {redirectURI},
			"response_type": {"code"},
			"scope":         {"openid profile"},
			"state":         {"e2e-s2"},
			"provider":      {"password"},
		}.Encode()
		resp, err := c.Get(authorizeURL)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)

		loc, err := resp.Location()
		require.NoError(t, err)
		require.Equal(t, "/password/authorize", loc.Path)
		requestID := loc.Query().Get("request_id")
		require.NotEmpty(t, requestID)

		email := fmt.Sprintf("e2e-%d@example.com", time.Now().UnixNano())
		resp, err = c.PostForm(baseURL+"/password/register", url.Values{
			"request_id": {requestID},
			"action":     {"register"},
			"email":      {email},
			"password":   {"SecurePassword123!"},
			"repeat":     {"SecurePassword123!"},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode,
			"default tenant registers without email verification")

		cb, err := resp.Location()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(cb.String(), redirectURI), cb.String())
		assert.Equal(t, "e2e-s2", cb.Query().Get("state"))
		code := cb.Query().Get("code")
		require.NotEmpty(t, code)

		status, body := exchangeToken(t, c, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {redirectURI},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
		})
		require.Equal(t, http.StatusOK, status, "%v", body)
		assert.Equal(t, "bearer", body["token_type"])
		assert.Greater(t, body["expires_in"].(float64), float64(0))
		assert.NotEmpty(t, body["id_token"], "openid scope grants an ID token")

		firstAccess, _ = body["access_token"].(string)
		firstRefresh, _ = body["refresh_token"].(string)
		require.NotEmpty(t, firstAccess)
		require.NotEmpty(t, firstRefresh)

		claims := tokenPayload(t, firstAccess)
		assert.Equal(t, baseURL, claims["iss"])
		assert.Equal(t, "user", claims["type"])
		props, _ := claims["properties"].(map[string]any)
		require.NotNil(t, props)
		assert.NotEmpty(t, props["id"])
	})

	t.Run("refresh rotation and reuse detection", func(t *testing.T) {
		requireClientSecret(t)
		require.NotEmpty(t, firstRefresh, "code grant scenario must run first")
		c := browser(t)

		refresh := func(token string) (int, map[string]any) {
			return exchangeToken(t, c, url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {token},
				"client_id":     {clientID},
				"client_secret": {clientSecret},
			})
		}

		status, body := refresh(firstRefresh)
		require.Equal(t, http.StatusOK, status, "%v", body)
		rotatedAccess, _ := body["access_token"].(string)
		rotatedRefresh, _ := body["refresh_token"].(string)
		assert.NotEqual(t, firstAccess, rotatedAccess)
		assert.NotEqual(t, firstRefresh, rotatedRefresh)
		require.NotEmpty(t, rotatedRefresh)

		// Replaying the consumed token burns the whole family
		status, body = refresh(firstRefresh)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid_grant", body["error"])

		status, _ = refresh(rotatedRefresh)
		assert.Equal(t, http.StatusBadRequest, status, "descendant token dies with the family")

		adminID := os.Getenv("OPENAUTH_E2E_ADMIN_CLIENT_ID")
		adminSecret := os.Getenv("OPENAUTH_E2E_ADMIN_CLIENT_SECRET")
		if adminID == "" || adminSecret == "" {
			t.Log("admin client not configured, skipping audit trail check")
			return
		}

		status, body = exchangeToken(t, c, url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {adminID},
			"client_secret": {adminSecret},
			"scope":         {"admin:read"},
		})
		require.Equal(t, http.StatusOK, status, "%v", body)
		adminToken, _ := body["access_token"].(string)

		req, err := http.NewRequest(http.MethodGet, baseURL+"/api/audit/events?event_type=reused", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		resp, err := c.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		events := decodeJSON(t, resp)
		assert.Greater(t, events["count"].(float64), float64(0), "reuse left an audit event")
	})

	t.Run("prompt none without a session", func(t *testing.T) {
		c := browser(t)

		authorizeURL := baseURL + "/authorize?" + url.Values{
			"client_id":     {clientID},
			"redirect_uri":  {redirectURI},
			"response_type": {"code"},
			"scope":         {"openid"},
			"state":         {"e2e-s4"},
			"prompt":        {"none"},
		}.Encode()
		resp, err := c.Get(authorizeURL)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)

		loc, err := resp.Location()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(loc.String(), redirectURI))
		assert.Equal(t, "login_required", loc.Query().Get("error"))
		assert.NotEmpty(t, loc.Query().Get("error_description"))
		assert.Equal(t, "e2e-s4", loc.Query().Get("state"))
		assert.Empty(t, loc.Query().Get("code"))
	})
}
