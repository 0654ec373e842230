package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

// OIDC prompt values the engine understands.
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// PromptInput carries the authorize parameters the session engine rules on.
type PromptInput struct {
	Prompt string
	// MaxAge is the oldest acceptable authentication age; nil when the
	// request did not send max_age. A zero value forces re-authentication.
	MaxAge      *time.Duration
	LoginHint   string
	AccountHint string
}

// PromptAction tells the authorization flow how to continue.
type PromptAction string

const (
	// ActionProceed continues silently with the active account.
	ActionProceed PromptAction = "proceed"
	// ActionAuthenticate sends the user through the provider UI.
	ActionAuthenticate PromptAction = "authenticate"
	// ActionSelectAccount renders the account picker.
	ActionSelectAccount PromptAction = "select_account"
	// ActionLoginRequired aborts a prompt=none request that has no usable
	// account; the caller redirects back with error=login_required.
	ActionLoginRequired PromptAction = "login_required"
)

// PromptDecision is the outcome of EvaluatePrompt.
type PromptDecision struct {
	Action PromptAction
	// Account is the account to issue for when Action is ActionProceed.
	Account *AccountSession
	// Accounts is the picker candidate list when Action is
	// ActionSelectAccount, most recently authenticated first.
	Accounts []*AccountSession
}

// EvaluatePrompt applies the OIDC prompt, max_age and hint rules against the
// session named by sessionID (empty when the request carried no usable
// cookie) and decides how the authorization flow continues. Hints that match
// a session account persist an active-account switch as a side effect.
func (s *Service) EvaluatePrompt(ctx context.Context, tenantID, sessionID string, in PromptInput) (*PromptDecision, error) {
	var (
		accounts []*AccountSession
		active   *AccountSession
	)
	if sessionID != "" {
		var err error
		accounts, err = s.ListAccounts(ctx, tenantID, sessionID)
		switch {
		case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
			accounts = nil
		case err != nil:
			return nil, err
		}
		for _, a := range accounts {
			if a.IsActive {
				active = a
			}
		}
	}

	needAuth := false

	// Hints may move the active account before the prompt rules run.
	// account_hint matches on user ID; login_hint on the email claim. An
	// account_hint miss falls through, a login_hint miss travels to the
	// provider UI as a fresh authentication.
	if in.AccountHint != "" {
		if hinted := findAccount(accounts, in.AccountHint); hinted != nil && hinted != active {
			switched, err := s.SwitchActive(ctx, tenantID, sessionID, hinted.UserID)
			if err != nil {
				return nil, err
			}
			active = switched
		}
	} else if in.LoginHint != "" {
		hinted := accountByEmail(accounts, in.LoginHint)
		switch {
		case hinted == nil:
			needAuth = true
		case hinted != active:
			switched, err := s.SwitchActive(ctx, tenantID, sessionID, hinted.UserID)
			if err != nil {
				return nil, err
			}
			active = switched
		}
	}

	switch in.Prompt {
	case PromptLogin:
		// Force re-authentication without consuming the existing session.
		needAuth = true
	case PromptSelectAccount:
		if len(accounts) >= 2 {
			return &PromptDecision{Action: ActionSelectAccount, Accounts: accounts}, nil
		}
	}

	if active != nil && in.MaxAge != nil && s.now().Sub(active.AuthenticatedAt) > *in.MaxAge {
		needAuth = true
	}
	if active == nil {
		needAuth = true
	}

	if needAuth {
		if in.Prompt == PromptNone {
			return &PromptDecision{Action: ActionLoginRequired}, nil
		}
		return &PromptDecision{Action: ActionAuthenticate}, nil
	}
	return &PromptDecision{Action: ActionProceed, Account: active}, nil
}

func accountByEmail(accounts []*AccountSession, email string) *AccountSession {
	for _, a := range accounts {
		if strings.EqualFold(a.Email(), email) {
			return a
		}
	}
	return nil
}
