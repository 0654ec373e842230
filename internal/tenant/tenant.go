package tenant

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultTenantID is the reserved id of the fallback tenant
const DefaultTenantID = "default"

// Status constants
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusPending   = "pending"
	StatusDeleted   = "deleted"
)

// Tenant represents an isolated customer environment
type Tenant struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Domain    string     `json:"domain,omitempty"`
	Status    string     `json:"status"`
	Branding  *Branding  `json:"branding,omitempty"`
	Settings  Settings   `json:"settings"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Theme holds the color palette for hosted pages
type Theme struct {
	Primary    string `json:"primary,omitempty"`
	Secondary  string `json:"secondary,omitempty"`
	Background string `json:"background,omitempty"`
	Text       string `json:"text,omitempty"`
	Accent     string `json:"accent,omitempty"`
}

// Logos holds logo URLs by color mode
type Logos struct {
	Light   string `json:"light,omitempty"`
	Dark    string `json:"dark,omitempty"`
	Favicon string `json:"favicon,omitempty"`
}

// Fonts holds font family names
type Fonts struct {
	Heading string `json:"heading,omitempty"`
	Body    string `json:"body,omitempty"`
}

// EmailTemplates references tenant-specific template ids
type EmailTemplates struct {
	Verification  string `json:"verification,omitempty"`
	PasswordReset string `json:"password_reset,omitempty"`
}

// Branding holds per-tenant appearance configuration
type Branding struct {
	Theme          Theme          `json:"theme"`
	Logos          Logos          `json:"logos"`
	Fonts          Fonts          `json:"fonts"`
	CustomCSS      string         `json:"custom_css,omitempty"`
	EmailTemplates EmailTemplates `json:"email_templates"`
}

// Settings holds per-tenant policy knobs
type Settings struct {
	MaxAccountsPerSession    int      `json:"max_accounts_per_session"`
	SessionLifetimeSeconds   int      `json:"session_lifetime_seconds"`
	SlidingWindowSeconds     int      `json:"sliding_window_seconds"`
	AllowPublicRegistration  bool     `json:"allow_public_registration"`
	RequireEmailVerification bool     `json:"require_email_verification"`
	AllowedProviders         []string `json:"allowed_providers,omitempty"`
	MFARequired              bool     `json:"mfa_required"`
}

// DefaultSettings returns the settings applied when a tenant omits them
func DefaultSettings() Settings {
	return Settings{
		MaxAccountsPerSession:  3,
		SessionLifetimeSeconds: int((168 * time.Hour).Seconds()),
		SlidingWindowSeconds:   int((24 * time.Hour).Seconds()),
	}
}

// BuiltinTheme is the last-resort theme when neither the tenant nor the
// default tenant carries branding
func BuiltinTheme() Theme {
	return Theme{
		Primary:    "#1f2937",
		Secondary:  "#4b5563",
		Background: "#ffffff",
		Text:       "#111827",
		Accent:     "#2563eb",
	}
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateID checks that a tenant id is a well-formed slug
func ValidateID(id string) error {
	if !slugPattern.MatchString(id) {
		return fmt.Errorf("tenant id must match %s", slugPattern.String())
	}
	return nil
}

// ValidateName checks tenant display name length
func ValidateName(name string) error {
	if n := len(strings.TrimSpace(name)); n < 3 || n > 100 {
		return fmt.Errorf("tenant name must be 3-100 characters")
	}
	return nil
}

// Active reports whether the tenant accepts traffic
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}
