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

package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meywd/openauth-sub002/internal/id"
	"github.com/meywd/openauth-sub002/internal/identity"
	"github.com/meywd/openauth-sub002/internal/oauth2"
	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/provider"
	"github.com/meywd/openauth-sub002/internal/session"
	"github.com/meywd/openauth-sub002/internal/storage"
	"github.com/meywd/openauth-sub002/internal/tenant"
)

// The hosted login endpoints keep their place in the authorization flow in
// a short-lived flow cookie, so form posts do not have to re-send the
// request id or the email between steps.
const (
	flowCookieName = "__auth_flow"
	flowTTL        = 10 * time.Minute
)

type loginFlow struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	Email     string `json:"email,omitempty"`
}

func flowKey(flowID string) storage.Key { return storage.Key{"authflow", flowID} }

func (h *Handler) saveFlow(w http.ResponseWriter, r *http.Request, flow loginFlow) {
	store := tenantStoreFromContext(r.Context())
	flowID := id.NewToken()
	if err := storage.SetJSON(r.Context(), store, flowKey(flowID), flow, flowTTL); err != nil {
		slog.WarnContext(r.Context(), "failed to persist login flow state", logger.Error(err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flowCookieName,
		Value:    flowID,
		Path:     "/",
		MaxAge:   int(flowTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) loadFlow(r *http.Request) *loginFlow {
	cookie, err := r.Cookie(flowCookieName)
	if err != nil {
		return nil
	}
	flow, err := storage.GetJSON[loginFlow](r.Context(), tenantStoreFromContext(r.Context()), flowKey(cookie.Value))
	if err != nil {
		return nil
	}
	return flow
}

func clearFlowCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: flowCookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}

// LoginPage serves the hosted login document for a local provider. The
// authorization flow redirects here with the parked request id.
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	name := chi.URLParam(r, "provider")

	inst, err := h.deps.Providers.GetProvider(ctx, t.ID, name)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if !inst.Type.Local {
		respondError(w, http.StatusNotFound, "not_found", "provider has no hosted login")
		return
	}

	requestID := r.URL.Query().Get("request_id")
	if _, err := h.deps.Engine.GetRequest(ctx, t.ID, requestID); err != nil {
		respondDomainError(w, r, err)
		return
	}

	h.saveFlow(w, r, loginFlow{RequestID: requestID, Provider: name})
	respondJSON(w, http.StatusOK, map[string]any{
		"request_id":   requestID,
		"provider":     name,
		"type":         inst.Type.Type,
		"display_name": inst.Type.DisplayName,
		"registration": true,
		"branding":     t.Branding,
	})
}

// Login authenticates against a local provider. Password providers take
// email and password; code providers drive their two steps through the
// action field, start and verify.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	name := chi.URLParam(r, "provider")

	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "malformed form body")
		return
	}

	inst, err := h.deps.Providers.GetProvider(ctx, t.ID, name)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	flow := h.loadFlow(r)
	requestID := r.PostForm.Get("request_id")
	if requestID == "" && flow != nil {
		requestID = flow.RequestID
	}
	if requestID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "missing request_id")
		return
	}

	switch f := inst.Flow.(type) {
	case *provider.PasswordFlow:
		ident, err := f.Login(ctx, t.ID, r.PostForm.Get("email"), r.PostForm.Get("password"))
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		h.finishLogin(w, r, t, requestID, name, ident)

	case *provider.CodeFlow:
		email := r.PostForm.Get("email")
		if flow != nil && email == "" {
			email = flow.Email
		}
		switch action := r.PostForm.Get("action"); action {
		case "start", "":
			if err := f.Start(ctx, t.ID, email); err != nil {
				respondDomainError(w, r, err)
				return
			}
			h.saveFlow(w, r, loginFlow{RequestID: requestID, Provider: name, Email: email})
			respondJSON(w, http.StatusOK, map[string]string{"status": "code_sent", "email": email})
		case "verify":
			ident, err := f.Verify(ctx, t.ID, email, r.PostForm.Get("code"))
			if err != nil {
				respondDomainError(w, r, err)
				return
			}
			h.finishLogin(w, r, t, requestID, name, ident)
		default:
			respondError(w, http.StatusBadRequest, "invalid_input", "action must be start or verify")
		}

	default:
		respondError(w, http.StatusNotFound, "not_found", "provider has no hosted login")
	}
}

// Register drives password signup: action=register submits the form and,
// when the tenant verifies email, action=verify redeems the mailed code.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := TenantFromContext(ctx)
	name := chi.URLParam(r, "provider")

	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "malformed form body")
		return
	}

	inst, err := h.deps.Providers.GetProvider(ctx, t.ID, name)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	pf, ok := inst.Flow.(*provider.PasswordFlow)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "provider does not support registration")
		return
	}

	flow := h.loadFlow(r)
	requestID := r.PostForm.Get("request_id")
	if requestID == "" && flow != nil {
		requestID = flow.RequestID
	}
	if requestID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "missing request_id")
		return
	}

	switch action := r.PostForm.Get("action"); action {
	case "register", "":
		email := r.PostForm.Get("email")
		password := r.PostForm.Get("password")
		if repeat := r.PostForm.Get("repeat"); repeat != password {
			respondError(w, http.StatusBadRequest, "invalid_input", "passwords do not match")
			return
		}
		ident, pending, err := pf.Register(ctx, t.ID, email, password)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		if pending {
			h.saveFlow(w, r, loginFlow{RequestID: requestID, Provider: name, Email: email})
			respondJSON(w, http.StatusOK, map[string]string{"status": "verification_required", "email": email})
			return
		}
		h.finishLogin(w, r, t, requestID, name, ident)

	case "verify":
		email := r.PostForm.Get("email")
		if email == "" && flow != nil {
			email = flow.Email
		}
		ident, err := pf.Verify(ctx, t.ID, email, r.PostForm.Get("code"))
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		h.finishLogin(w, r, t, requestID, name, ident)

	default:
		respondError(w, http.StatusBadRequest, "invalid_input", "action must be register or verify")
	}
}

// finishLogin is the success hook every completed authentication funnels
// through: mint or update the user, bind the account to the browser
// session, then send the client its authorization code.
func (h *Handler) finishLogin(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, requestID, providerName string, ident *provider.Identity) {
	ctx := r.Context()

	data, err := json.Marshal(ident.Properties)
	if err != nil {
		data = nil
	}
	user, err := h.deps.Users.UpsertFromProvider(ctx, t.ID, identity.ProviderProfile{
		Provider:       providerName,
		ProviderUserID: ident.ProviderUserID,
		Email:          ident.Email,
		EmailVerified:  ident.EmailVerified,
		Name:           ident.Name,
		Data:           data,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	req, err := h.deps.Engine.GetRequest(ctx, t.ID, requestID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	sess := SessionFromContext(ctx)
	if sess == nil {
		sess, err = h.deps.Sessions.Create(ctx, t.ID, r.UserAgent(), requestIP(r))
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		if cookie, err := h.deps.Cookies.NewCookie(sess, time.Now()); err == nil {
			http.SetCookie(w, cookie)
		} else {
			slog.ErrorContext(ctx, "failed to issue session cookie",
				logger.SessionID(sess.ID), logger.Error(err))
		}
	}

	props := map[string]any{"id": user.ID, "email": user.Email}
	if user.Name != "" {
		props["name"] = user.Name
	}
	if _, err := h.deps.Sessions.AddAccount(ctx, t.ID, sess.ID, session.AddAccountParams{
		UserID:            user.ID,
		SubjectType:       oauth2.SubjectUser,
		SubjectProperties: props,
		ClientID:          req.ClientID,
		TTL:               h.cfg.AccountTTL,
	}); err != nil {
		respondDomainError(w, r, err)
		return
	}

	redirect, err := h.deps.Engine.CompleteAuthorize(ctx, t.ID, requestID, oauth2.Subject{
		Type:       oauth2.SubjectUser,
		Properties: props,
	})
	if err != nil {
		respondOAuthError(w, r, err)
		return
	}
	clearFlowCookie(w)
	http.Redirect(w, r, redirect, http.StatusFound)
}
