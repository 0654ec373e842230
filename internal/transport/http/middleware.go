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
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/session"
	"github.com/meywd/openauth-sub002/internal/tenant"
)

// Logging emits paired request start/end events with status and duration
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		slog.InfoContext(r.Context(), "http_request_start",
			logger.RequestID(middleware.GetReqID(r.Context())),
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.RemoteAddr(requestIP(r)),
			logger.UserAgent(r.UserAgent()),
		)

		next.ServeHTTP(ww, r)

		slog.InfoContext(r.Context(), "http_request_end",
			logger.RequestID(middleware.GetReqID(r.Context())),
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.StatusCode(ww.Status()),
			logger.Duration(time.Since(start).Milliseconds()),
		)
	})
}

// Recovery turns panics into a 500 response, reporting them to Sentry when
// a hub rides the request context.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(r.Context(), "panic recovered",
					logger.String("panic", panicMessage(rec)),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.String("stack", string(debug.Stack())),
				)
				if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
					hub.Recover(rec)
				}
				respondError(w, http.StatusInternalServerError, "internal_error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func panicMessage(v any) string {
	switch m := v.(type) {
	case error:
		return m.Error()
	case string:
		return m
	default:
		return "unknown panic"
	}
}

// ResolveTenant resolves and gates the request tenant, then stashes it in
// the context together with a tenant-scoped storage handle.
func ResolveTenant(resolver *tenant.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, store, err := resolver.Resolve(r.Context(), r)
			if err != nil {
				respondDomainError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), t, store)))
		})
	}
}

// SessionCookie decodes the browser session cookie, advances the sliding
// expiry and re-issues the cookie when the window moved. Requests without a
// usable session pass through anonymous; a stale or foreign cookie is
// cleared on the way.
func SessionCookie(codec *session.CookieCodec, sessions *session.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(codec.Name())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			t := TenantFromContext(r.Context())

			payload, err := codec.Decode(cookie.Value)
			if err != nil || t == nil || payload.TenantID != t.ID {
				http.SetCookie(w, codec.ClearCookie())
				next.ServeHTTP(w, r)
				return
			}

			sess, reissue, err := sessions.Touch(r.Context(), t.ID, payload.SessionID)
			switch {
			case errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired):
				http.SetCookie(w, codec.ClearCookie())
				next.ServeHTTP(w, r)
				return
			case err != nil:
				// Storage failure: keep the cookie, continue anonymous
				slog.WarnContext(r.Context(), "session lookup failed",
					logger.SessionID(payload.SessionID), logger.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if reissue || sess.Version != payload.Version {
				if fresh, err := codec.NewCookie(sess, time.Now()); err == nil {
					http.SetCookie(w, fresh)
				} else {
					slog.WarnContext(r.Context(), "failed to re-issue session cookie",
						logger.SessionID(sess.ID), logger.Error(err))
				}
			}
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
		})
	}
}
