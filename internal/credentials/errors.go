package credentials

import (
	"errors"
	"fmt"
)

// AuthError is implemented by every error in the credential lifecycle
// taxonomy. Callers branch on the concrete types with errors.As to decide
// the remedy: re-run the authorization flow, wait and retry, or fix
// configuration/storage.
type AuthError interface {
	error
	authError()
}

// IsAuthError reports whether any error in err's chain belongs to the
// lifecycle taxonomy.
func IsAuthError(err error) bool {
	var ae AuthError
	return errors.As(err, &ae)
}

// TokenNotFoundError indicates no stored token exists for the account.
// Recoverable by running the authorization flow.
type TokenNotFoundError struct {
	Account string
}

func (e *TokenNotFoundError) Error() string {
	return fmt.Sprintf("no stored token for account %q", e.Account)
}

func (*TokenNotFoundError) authError() {}

// TokenRefreshError indicates refresh attempts were exhausted or no refresh
// token is available. Recoverable by forcing reauthorization. Permanent is
// set when the provider rejected the grant outright (revoked or invalid
// client), in which case further retries are pointless.
type TokenRefreshError struct {
	Account   string
	Attempts  int
	Permanent bool
	Err       error
}

func (e *TokenRefreshError) Error() string {
	msg := fmt.Sprintf("token refresh failed for account %q", e.Account)
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

func (*TokenRefreshError) authError() {}

// TokenRevocationError indicates the upstream revoke call failed. Non-fatal:
// callers log it and proceed with local deletion.
type TokenRevocationError struct {
	Account string
	Err     error
}

func (e *TokenRevocationError) Error() string {
	return fmt.Sprintf("token revocation failed for account %q: %v", e.Account, e.Err)
}

func (e *TokenRevocationError) Unwrap() error { return e.Err }

func (*TokenRevocationError) authError() {}

// TokenStorageError indicates an I/O or schema failure in the credential
// store. Never retried automatically; surfaced as a hard failure since it
// may indicate corruption.
type TokenStorageError struct {
	Op  string
	Err error
}

func (e *TokenStorageError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("token storage failure in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("token storage failure: %v", e.Err)
}

func (e *TokenStorageError) Unwrap() error { return e.Err }

func (*TokenStorageError) authError() {}

// EncryptionError indicates a wrong or missing key, or a corrupt encrypted
// store. The store fails fast on these and never falls back to unencrypted
// access.
type EncryptionError struct {
	Reason string
	Err    error
}

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encryption failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("encryption failure: %s", e.Reason)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

func (*EncryptionError) authError() {}

// AuthorizationFlowError indicates the interactive flow failed: missing
// client credentials, user cancellation, or a network failure during the
// exchange. Surfaced directly and never retried automatically.
type AuthorizationFlowError struct {
	Account string
	Reason  string
	Err     error
}

func (e *AuthorizationFlowError) Error() string {
	msg := "authorization flow failed"
	if e.Account != "" {
		msg = fmt.Sprintf("%s for account %q", msg, e.Account)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthorizationFlowError) Unwrap() error { return e.Err }

func (*AuthorizationFlowError) authError() {}
