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

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/meywd/openauth-sub002/internal/crypto"
	"github.com/meywd/openauth-sub002/internal/storage"
)

const (
	codeDigits        = 6
	codeTTL           = 10 * time.Minute
	maxCodeAttempts   = 5
	minPasswordLength = 8
)

func verifyCodeKey(email string) storage.Key { return storage.Key{"verify_code", email} }
func loginCodeKey(email string) storage.Key  { return storage.Key{"login_code", email} }

// challenge is a pending one-time code, either a password registration
// awaiting email verification or a code login. The code is compared in
// constant time and the record disappears after maxCodeAttempts misses.
type challenge struct {
	Email        string    `json:"email"`
	Code         string    `json:"code"`
	PasswordHash string    `json:"password_hash,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func localAuthorizeURL(name, requestID string) string {
	return "/" + name + "/authorize?request_id=" + url.QueryEscape(requestID)
}

// PasswordFlow is the hosted email+password provider. Passwords are hashed
// before they touch storage; pending registrations never hold plaintext.
type PasswordFlow struct {
	registry *Registry
	inst     *Instance
}

// Authorize sends the browser to the hosted login form.
func (f *PasswordFlow) Authorize(_ context.Context, _ string, in AuthorizeInput) (string, error) {
	return localAuthorizeURL(f.inst.Record.Name, in.RequestID), nil
}

// Callback exists to satisfy Flow; the hosted form posts to the flow's own
// methods instead of redirecting back.
func (f *PasswordFlow) Callback(context.Context, string, CallbackInput) (*CallbackResult, error) {
	return nil, fmt.Errorf("provider %s: password flow has no oauth callback", f.inst.Record.Name)
}

// Register starts a signup. When the tenant requires email verification the
// returned identity is nil, pending is true, and a code goes out through the
// sender; otherwise the user is created immediately.
func (f *PasswordFlow) Register(ctx context.Context, tenantID, email, password string) (ident *Identity, pending bool, err error) {
	settings, err := f.registry.tenantSettings(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	if !settings.AllowPublicRegistration {
		return nil, false, ErrRegistrationDisabled
	}
	email, err = normalizeEmail(email)
	if err != nil {
		return nil, false, err
	}
	if len(password) < minPasswordLength {
		return nil, false, fmt.Errorf("%w: minimum length is %d", ErrWeakPassword, minPasswordLength)
	}
	hash, err := crypto.HashSecret(password)
	if err != nil {
		return nil, false, err
	}
	if !settings.RequireEmailVerification {
		ident, err = f.registry.accounts.RegisterPassword(ctx, tenantID, email, hash)
		return ident, false, err
	}
	code, err := crypto.RandomCode(codeDigits)
	if err != nil {
		return nil, false, err
	}
	rec := challenge{Email: email, Code: code, PasswordHash: hash, CreatedAt: f.registry.now()}
	store := storage.ForTenant(f.registry.store, tenantID)
	if err := storage.SetJSON(ctx, store, verifyCodeKey(email), rec, codeTTL); err != nil {
		return nil, false, err
	}
	if err := f.registry.sender.SendCode(ctx, tenantID, email, code); err != nil {
		return nil, false, fmt.Errorf("send verification code: %w", err)
	}
	return nil, true, nil
}

// Verify redeems a registration code and creates the user.
func (f *PasswordFlow) Verify(ctx context.Context, tenantID, email, code string) (*Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	store := storage.ForTenant(f.registry.store, tenantID)
	rec, err := consumeChallenge(ctx, store, verifyCodeKey(email), code, f.registry.now())
	if err != nil {
		return nil, err
	}
	return f.registry.accounts.RegisterPassword(ctx, tenantID, email, rec.PasswordHash)
}

// Login authenticates an existing password identity.
func (f *PasswordFlow) Login(ctx context.Context, tenantID, email, password string) (*Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return f.registry.accounts.VerifyPassword(ctx, tenantID, email, password)
}

// CodeFlow is the hosted email one-time-code provider.
type CodeFlow struct {
	registry *Registry
	inst     *Instance
}

// Authorize sends the browser to the hosted code form.
func (f *CodeFlow) Authorize(_ context.Context, _ string, in AuthorizeInput) (string, error) {
	return localAuthorizeURL(f.inst.Record.Name, in.RequestID), nil
}

// Callback exists to satisfy Flow.
func (f *CodeFlow) Callback(context.Context, string, CallbackInput) (*CallbackResult, error) {
	return nil, fmt.Errorf("provider %s: code flow has no oauth callback", f.inst.Record.Name)
}

// Start issues a fresh code for the address. It succeeds whether or not a
// user exists so the form cannot be used to probe for accounts; policy is
// applied when the code is redeemed.
func (f *CodeFlow) Start(ctx context.Context, tenantID, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	code, err := crypto.RandomCode(codeDigits)
	if err != nil {
		return err
	}
	rec := challenge{Email: email, Code: code, CreatedAt: f.registry.now()}
	store := storage.ForTenant(f.registry.store, tenantID)
	if err := storage.SetJSON(ctx, store, loginCodeKey(email), rec, codeTTL); err != nil {
		return err
	}
	if err := f.registry.sender.SendCode(ctx, tenantID, email, code); err != nil {
		return fmt.Errorf("send login code: %w", err)
	}
	return nil
}

// Verify redeems a login code and resolves the user, creating one when the
// tenant allows public registration.
func (f *CodeFlow) Verify(ctx context.Context, tenantID, email, code string) (*Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	store := storage.ForTenant(f.registry.store, tenantID)
	if _, err := consumeChallenge(ctx, store, loginCodeKey(email), code, f.registry.now()); err != nil {
		return nil, err
	}
	settings, err := f.registry.tenantSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return f.registry.accounts.UpsertEmail(ctx, tenantID, email, settings.AllowPublicRegistration)
}

// consumeChallenge loads a pending challenge, enforces expiry and the
// attempt bound, and removes it on success. Missing and expired records read
// as mismatches so callers cannot tell an expired code from a wrong one.
func consumeChallenge(ctx context.Context, store storage.Adapter, key storage.Key, code string, now time.Time) (*challenge, error) {
	rec, err := storage.GetJSON[challenge](ctx, store, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCodeMismatch
		}
		return nil, err
	}
	if now.Sub(rec.CreatedAt) >= codeTTL {
		_ = store.Remove(ctx, key)
		return nil, ErrCodeMismatch
	}
	if rec.Attempts >= maxCodeAttempts {
		_ = store.Remove(ctx, key)
		return nil, ErrTooManyAttempts
	}
	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		rec.Attempts++
		if err := storage.SetJSON(ctx, store, key, rec, codeTTL-now.Sub(rec.CreatedAt)); err != nil {
			return nil, err
		}
		return nil, ErrCodeMismatch
	}
	if err := store.Remove(ctx, key); err != nil {
		return nil, err
	}
	return rec, nil
}
