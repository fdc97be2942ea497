package auth

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/metrics"
)

// permanentGrantMarkers are provider responses on which retrying a refresh
// is pointless: the grant itself is dead and only reauthorization helps.
var permanentGrantMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

// refreshCycle is the scheduler's entry point: refresh one account and
// report when to run again. A zero next-run time parks the account; the next
// GetCredentials call owns recovery from there.
func (m *Manager) refreshCycle(ctx context.Context, account string) (time.Time, error) {
	metrics.RefreshesInFlight.Inc()
	defer metrics.RefreshesInFlight.Dec()
	start := time.Now()
	defer func() {
		metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	}()

	mu := m.accountLock(account)
	mu.Lock()
	defer mu.Unlock()

	// The pool may have been stopped while this cycle sat in the queue.
	if err := ctx.Err(); err != nil {
		metrics.RefreshesCompleted.WithLabelValues(metrics.OutcomeCanceled).Inc()
		return time.Time{}, err
	}

	rec, err := m.store.GetToken(ctx, account)
	var notFound *credentials.TokenNotFoundError
	if errors.As(err, &notFound) {
		// Revoked since the task was armed; nothing left to refresh.
		metrics.RefreshesCompleted.WithLabelValues(metrics.OutcomeCanceled).Inc()
		return time.Time{}, nil
	}
	if err != nil {
		metrics.RefreshesCompleted.WithLabelValues(metrics.OutcomeTransient).Inc()
		return time.Time{}, err
	}

	// A manual call may have refreshed the token while this cycle waited on
	// the account lock. Skip the network and keep the account armed.
	if !rec.Expired(time.Now().Add(m.opts.RefreshBuffer)) {
		if _, pending := m.sched.NextRun(account); pending {
			return time.Time{}, nil
		}
		return m.nextRefreshAt(rec), nil
	}
	if !rec.CanRefresh() {
		metrics.RefreshesCompleted.WithLabelValues(metrics.OutcomePermanent).Inc()
		return time.Time{}, &credentials.TokenRefreshError{
			Account:   account,
			Permanent: true,
			Err:       errors.New("no refresh token available"),
		}
	}

	updated, err := m.refreshWithRetry(ctx, rec)
	if err != nil {
		outcome := metrics.OutcomeTransient
		var refreshErr *credentials.TokenRefreshError
		if errors.As(err, &refreshErr) && refreshErr.Permanent {
			outcome = metrics.OutcomePermanent
		}
		if ctx.Err() != nil {
			outcome = metrics.OutcomeCanceled
		}
		metrics.RefreshesCompleted.WithLabelValues(outcome).Inc()
		return time.Time{}, err
	}
	metrics.RefreshesCompleted.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return m.nextRefreshAt(updated), nil
}

// refreshWithRetry runs up to MaxRetries refresh attempts with exponential
// backoff and persists the result. Callers hold the account lock. Permanent
// provider rejections short-circuit the loop, and storage failures abort it:
// retrying the network cannot fix a database.
func (m *Manager) refreshWithRetry(ctx context.Context, rec *credentials.TokenRecord) (*credentials.TokenRecord, error) {
	creds := m.refreshClientCredentials(rec)
	if creds.IsZero() {
		return nil, &credentials.TokenRefreshError{
			Account:   rec.Account,
			Permanent: true,
			Err:       errors.New("no client credentials available for refresh"),
		}
	}
	cfg := creds.OAuth2Config(rec.Scopes)

	var lastErr error
	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RefreshRetries.Inc()
			select {
			case <-time.After(backoffDelay(m.opts.BackoffBase, attempt-1)):
			case <-ctx.Done():
				return nil, &credentials.TokenRefreshError{
					Account:  rec.Account,
					Attempts: attempt,
					Err:      ctx.Err(),
				}
			}
		}

		tok, err := m.refreshOnce(ctx, cfg, rec)
		if err == nil {
			return m.persistRefreshedToken(ctx, rec.Account, tok)
		}
		lastErr = err

		if isPermanentRefreshError(err) {
			m.log.Warn().Err(err).Str("account", rec.Account).Msg("refresh rejected by provider")
			return nil, &credentials.TokenRefreshError{
				Account:   rec.Account,
				Attempts:  attempt + 1,
				Permanent: true,
				Err:       err,
			}
		}
		m.log.Warn().Err(err).Str("account", rec.Account).Int("attempt", attempt+1).Msg("token refresh attempt failed")
	}

	return nil, &credentials.TokenRefreshError{
		Account:  rec.Account,
		Attempts: m.opts.MaxRetries,
		Err:      lastErr,
	}
}

// refreshOnce performs a single refresh grant with a bounded timeout. The
// seed token carries only the refresh token, so the oauth2 transport always
// goes to the network instead of handing back a cached access token.
func (m *Manager) refreshOnce(ctx context.Context, cfg *oauth2.Config, rec *credentials.TokenRecord) (*oauth2.Token, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.opts.AttemptTimeout)
	defer cancel()
	if m.opts.HTTPClient != nil {
		attemptCtx = context.WithValue(attemptCtx, oauth2.HTTPClient, m.opts.HTTPClient)
	}

	tok, err := cfg.TokenSource(attemptCtx, &oauth2.Token{RefreshToken: rec.RefreshToken}).Token()
	if err != nil {
		return nil, err
	}
	// Providers rotate refresh tokens at will. A response without one means
	// the old refresh token is still live and must be kept.
	if tok.RefreshToken == "" {
		tok.RefreshToken = rec.RefreshToken
	}
	return tok, nil
}

func (m *Manager) persistRefreshedToken(ctx context.Context, account string, tok *oauth2.Token) (*credentials.TokenRecord, error) {
	expiry := tok.Expiry
	updated, err := m.store.UpdateToken(ctx, account, credentials.TokenUpdate{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    &expiry,
	})
	if err != nil {
		return nil, err
	}
	m.log.Debug().Str("account", account).Time("expires_at", updated.ExpiresAt).Msg("token refreshed")
	return updated, nil
}

// refreshClientCredentials prefers the client recorded alongside the token
// over the configured credentials file, so stored tokens keep refreshing
// even after the file is rotated or removed.
func (m *Manager) refreshClientCredentials(rec *credentials.TokenRecord) credentials.ClientCredentials {
	creds, err := m.clientCredentials()
	if err != nil {
		creds = credentials.ClientCredentials{}
	}
	if id := rec.Metadata[credentials.MetadataClientID]; id != "" {
		creds.ClientID = id
		creds.ClientSecret = rec.Metadata[credentials.MetadataClientSecret]
	}
	return creds
}

// isPermanentRefreshError reports whether the provider rejected the grant
// itself, as opposed to a transient transport or server failure.
func isPermanentRefreshError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentGrantMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoffDelay computes the sleep before retry i (zero-based): the base
// doubles each retry, with up to one extra base interval of jitter so
// simultaneously expiring accounts spread out.
func backoffDelay(base time.Duration, i int) time.Duration {
	return base<<uint(i) + time.Duration(rand.Int63n(int64(base)))
}

// revokeUpstream asks the provider to invalidate the token. The refresh
// token is preferred since revoking it kills the whole grant, including any
// outstanding access tokens.
func (m *Manager) revokeUpstream(ctx context.Context, rec *credentials.TokenRecord) error {
	tok := rec.RefreshToken
	if tok == "" {
		tok = rec.AccessToken
	}
	if tok == "" {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.opts.AttemptTimeout)
	defer cancel()

	form := url.Values{"token": {tok}}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.opts.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &credentials.TokenRevocationError{Account: rec.Account, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient().Do(req)
	if err != nil {
		return &credentials.TokenRevocationError{Account: rec.Account, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &credentials.TokenRevocationError{
			Account: rec.Account,
			Err:     fmt.Errorf("revocation endpoint returned %s", resp.Status),
		}
	}
	return nil
}

func (m *Manager) httpClient() *http.Client {
	if m.opts.HTTPClient != nil {
		return m.opts.HTTPClient
	}
	return http.DefaultClient
}
