package credentials

import (
	"context"

	"golang.org/x/oauth2"
)

// AuthorizationFlow performs an interactive consent exchange and returns a
// fresh token. Implementations (browser redirect, device code, ...) live
// outside this module; the manager only requires the call to honor ctx, to
// fail distinguishably when client credentials are missing or invalid, and
// to return a token with at least an access token.
type AuthorizationFlow interface {
	Run(ctx context.Context, creds ClientCredentials, scopes []string, accountHint string) (*oauth2.Token, error)
}

// FlowFunc adapts a plain function to the AuthorizationFlow interface.
type FlowFunc func(ctx context.Context, creds ClientCredentials, scopes []string, accountHint string) (*oauth2.Token, error)

// Run implements AuthorizationFlow.
func (f FlowFunc) Run(ctx context.Context, creds ClientCredentials, scopes []string, accountHint string) (*oauth2.Token, error) {
	return f(ctx, creds, scopes, accountHint)
}
