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

package identity

import (
	"context"

	"github.com/meywd/openauth-sub002/internal/provider"
)

// ProviderAccounts adapts the identity service to the provider package's
// Accounts port. The local password and code flows resolve users through it.
type ProviderAccounts struct {
	Users *Service
}

var _ provider.Accounts = ProviderAccounts{}

// RegisterPassword implements provider.Accounts.
func (a ProviderAccounts) RegisterPassword(ctx context.Context, tenantID, email, passwordHash string) (*provider.Identity, error) {
	user, err := a.Users.RegisterPassword(ctx, tenantID, email, passwordHash)
	if err != nil {
		return nil, err
	}
	return localIdentity(user), nil
}

// VerifyPassword implements provider.Accounts.
func (a ProviderAccounts) VerifyPassword(ctx context.Context, tenantID, email, password string) (*provider.Identity, error) {
	user, err := a.Users.VerifyPassword(ctx, tenantID, email, password)
	if err != nil {
		return nil, err
	}
	return localIdentity(user), nil
}

// UpsertEmail implements provider.Accounts.
func (a ProviderAccounts) UpsertEmail(ctx context.Context, tenantID, email string, allowCreate bool) (*provider.Identity, error) {
	user, err := a.Users.UpsertByEmail(ctx, tenantID, email, allowCreate)
	if err != nil {
		return nil, err
	}
	return localIdentity(user), nil
}

// localIdentity presents a local user the way an upstream provider would:
// the user id is the provider subject.
func localIdentity(u *User) *provider.Identity {
	return &provider.Identity{
		ProviderUserID: u.ID,
		Email:          u.Email,
		EmailVerified:  true,
		Name:           u.Name,
	}
}
