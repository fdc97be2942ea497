package credentials

import (
	"time"

	"golang.org/x/oauth2"
)

// Well-known metadata keys. The manager writes these after a successful
// authorization flow and the refresher prefers them over the credentials
// file when building the refresh request.
const (
	MetadataClientID     = "client_id"
	MetadataClientSecret = "client_secret"
)

// TokenRecord is a stored token materialized in memory. Records are
// snapshots: the store remains the source of truth and a held record may be
// stale by the time it is used.
type TokenRecord struct {
	Account      string            `json:"account"`
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenType    string            `json:"token_type"`
	ExpiresAt    time.Time         `json:"expires_at"` // zero = never expires
	Scopes       []string          `json:"scopes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Expired reports whether the token is expired at now. A token without an
// expiry never expires.
func (r *TokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// CanRefresh reports whether the record carries a refresh token.
func (r *TokenRecord) CanRefresh() bool {
	return r.RefreshToken != ""
}

// Token converts the record to its oauth2 form. The zero ExpiresAt maps to
// the zero Expiry, which the oauth2 package also treats as non-expiring.
func (r *TokenRecord) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       r.ExpiresAt,
	}
}

// TokenParams carries the full set of fields written by StoreToken.
type TokenParams struct {
	AccessToken  string
	RefreshToken string
	TokenType    string    // defaults to "Bearer" when empty
	ExpiresAt    time.Time // zero = never expires
	Scopes       []string
	Metadata     map[string]string
}

// ParamsFromToken builds store parameters from a token returned by the
// provider, typically the result of an authorization flow.
func ParamsFromToken(tok *oauth2.Token, scopes []string, metadata map[string]string) TokenParams {
	return TokenParams{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		Scopes:       scopes,
		Metadata:     metadata,
	}
}

// TokenUpdate is a partial update applied by UpdateToken. AccessToken is
// always written. RefreshToken is written only when non-empty. ExpiresAt is
// written only when non-nil; a pointer to the zero time clears the expiry.
// Metadata entries are upserted by key, leaving other keys untouched.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Metadata     map[string]string
}

// AccountStatus is one row of the administrative account listing. Accounts
// without a token row still appear, with HasToken false and zero times.
type AccountStatus struct {
	Account         string    `json:"account"`
	HasToken        bool      `json:"has_token"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	ExpiresAt       time.Time `json:"expires_at"`
	Expired         bool      `json:"is_expired"`
	UpdatedAt       time.Time `json:"updated_at"`
	CreatedAt       time.Time `json:"created_at"`
}
