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

// Discovery is the provider metadata document served under
// /.well-known/openid-configuration and /.well-known/oauth-authorization-server.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// DiscoveryParams configures document generation
type DiscoveryParams struct {
	Issuer        string
	Algorithms    []string
	Introspection bool
	Revocation    bool
}

// NewDiscovery builds the metadata document for an issuer. Endpoints for
// disabled features are left out entirely rather than advertised dead.
func NewDiscovery(p DiscoveryParams) *Discovery {
	d := &Discovery{
		Issuer:                           p.Issuer,
		AuthorizationEndpoint:            p.Issuer + "/authorize",
		TokenEndpoint:                    p.Issuer + "/token",
		UserinfoEndpoint:                 p.Issuer + "/userinfo",
		JWKSURI:                          p.Issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{"authorization_code", "refresh_token", "client_credentials"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: p.Algorithms,
		ScopesSupported:                  []string{"openid", "profile", "email"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic",
			"client_secret_post",
			"none",
		},
		CodeChallengeMethodsSupported: []string{"plain", "S256"},
		ClaimsSupported: []string{
			"iss", "sub", "aud", "exp", "iat", "nonce", "at_hash",
		},
	}
	if p.Introspection {
		d.IntrospectionEndpoint = p.Issuer + "/token/introspect"
	}
	if p.Revocation {
		d.RevocationEndpoint = p.Issuer + "/token/revoke"
	}
	return d
}
