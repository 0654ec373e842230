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

package provider

import "strings"

// Known provider types.
const (
	TypeGoogle       = "google"
	TypeGitHub       = "github"
	TypeMicrosoft    = "microsoft"
	TypeApple        = "apple"
	TypeOIDC         = "oidc"
	TypeCustomOAuth2 = "custom_oauth2"
	TypePassword     = "password"
	TypeCode         = "code"
)

// TypeInfo describes one entry of the provider type catalog. Endpoint
// templates may contain {tenant}, {region}, {domain}, {baseUrl} and {realm}
// placeholders, interpolated from server config and the record's own config
// map when the provider is materialized.
type TypeInfo struct {
	Type                  string   `json:"type"`
	DisplayName           string   `json:"display_name"`
	AuthorizationEndpoint string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string   `json:"token_endpoint,omitempty"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSEndpoint          string   `json:"jwks_endpoint,omitempty"`
	DefaultScopes         []string `json:"default_scopes,omitempty"`
	PKCERequired          bool     `json:"pkce_required"`
	RequiresSecret        bool     `json:"requires_secret"`
	// Local marks flows that render their own UI instead of redirecting to
	// an upstream authorization endpoint.
	Local bool `json:"local"`
}

var catalog = []TypeInfo{
	{
		Type:                  TypeGoogle,
		DisplayName:           "Google",
		AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenEndpoint:         "https://oauth2.googleapis.com/token",
		UserinfoEndpoint:      "https://openidconnect.googleapis.com/v1/userinfo",
		JWKSEndpoint:          "https://www.googleapis.com/oauth2/v3/certs",
		DefaultScopes:         []string{"openid", "email", "profile"},
		RequiresSecret:        true,
	},
	{
		Type:                  TypeGitHub,
		DisplayName:           "GitHub",
		AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
		TokenEndpoint:         "https://github.com/login/oauth/access_token",
		UserinfoEndpoint:      "https://api.github.com/user",
		DefaultScopes:         []string{"read:user", "user:email"},
		RequiresSecret:        true,
	},
	{
		Type:                  TypeMicrosoft,
		DisplayName:           "Microsoft",
		AuthorizationEndpoint: "https://login.microsoftonline.com/{tenant}/oauth2/v2.0/authorize",
		TokenEndpoint:         "https://login.microsoftonline.com/{tenant}/oauth2/v2.0/token",
		UserinfoEndpoint:      "https://graph.microsoft.com/oidc/userinfo",
		JWKSEndpoint:          "https://login.microsoftonline.com/{tenant}/discovery/v2.0/keys",
		DefaultScopes:         []string{"openid", "email", "profile"},
		RequiresSecret:        true,
	},
	{
		Type:                  TypeApple,
		DisplayName:           "Apple",
		AuthorizationEndpoint: "https://appleid.apple.com/auth/authorize",
		TokenEndpoint:         "https://appleid.apple.com/auth/token",
		JWKSEndpoint:          "https://appleid.apple.com/auth/keys",
		DefaultScopes:         []string{"name", "email"},
		RequiresSecret:        true,
	},
	{
		Type:                  TypeOIDC,
		DisplayName:           "OpenID Connect",
		AuthorizationEndpoint: "{baseUrl}/authorize",
		TokenEndpoint:         "{baseUrl}/token",
		UserinfoEndpoint:      "{baseUrl}/userinfo",
		JWKSEndpoint:          "{baseUrl}/.well-known/jwks.json",
		DefaultScopes:         []string{"openid", "email", "profile"},
		PKCERequired:          true,
	},
	{
		Type:           TypeCustomOAuth2,
		DisplayName:    "Custom OAuth2",
		RequiresSecret: true,
	},
	{
		Type:        TypePassword,
		DisplayName: "Email & Password",
		Local:       true,
	},
	{
		Type:        TypeCode,
		DisplayName: "Email Code",
		Local:       true,
	},
}

// Types returns the provider type catalog.
func Types() []TypeInfo {
	out := make([]TypeInfo, len(catalog))
	copy(out, catalog)
	return out
}

// TypeByName looks a catalog entry up.
func TypeByName(name string) (TypeInfo, bool) {
	for _, t := range catalog {
		if t.Type == name {
			return t, true
		}
	}
	return TypeInfo{}, false
}

// Endpoints are the fully interpolated URLs a materialized provider talks to.
type Endpoints struct {
	Authorization string
	Token         string
	Userinfo      string
	JWKS          string
}

// interpolate resolves the endpoint template placeholders. The record config
// wins over server config for {tenant}; {baseUrl} and {realm} only ever come
// from the record.
func interpolate(tmpl, tenantID string, cfg Config, rc map[string]string) string {
	if tmpl == "" {
		return ""
	}
	get := func(key, fallback string) string {
		if rc != nil && rc[key] != "" {
			return rc[key]
		}
		return fallback
	}
	r := strings.NewReplacer(
		"{tenant}", get("tenant", tenantID),
		"{region}", cfg.Region,
		"{domain}", cfg.Domain,
		"{baseUrl}", strings.TrimSuffix(get("base_url", ""), "/"),
		"{realm}", get("realm", ""),
	)
	return r.Replace(tmpl)
}

// resolveEndpoints merges the catalog templates with per-record endpoint
// overrides (authorization_endpoint, token_endpoint, userinfo_endpoint,
// jwks_endpoint config keys) and interpolates placeholders.
func resolveEndpoints(rec *Record, ti TypeInfo, cfg Config) Endpoints {
	pick := func(key, tmpl string) string {
		if rec.Config != nil && rec.Config[key] != "" {
			tmpl = rec.Config[key]
		}
		return interpolate(tmpl, rec.TenantID, cfg, rec.Config)
	}
	return Endpoints{
		Authorization: pick("authorization_endpoint", ti.AuthorizationEndpoint),
		Token:         pick("token_endpoint", ti.TokenEndpoint),
		Userinfo:      pick("userinfo_endpoint", ti.UserinfoEndpoint),
		JWKS:          pick("jwks_endpoint", ti.JWKSEndpoint),
	}
}
