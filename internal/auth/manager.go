package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/metrics"
	"tokenkeeper/internal/scheduler"
	"tokenkeeper/internal/worker"
)

// DefaultRevokeURL is Google's token revocation endpoint.
const DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// manualExpirySkew widens the expiry check on the caller-facing path so a
// token about to die within the skew is refreshed instead of handed out.
const manualExpirySkew = 30 * time.Second

// ErrNoAccounts is returned when no account was specified and the store
// holds none to default to.
var ErrNoAccounts = errors.New("no accounts stored: specify an account or authorize one first")

// Store is the slice of the credential store the manager depends on.
type Store interface {
	StoreToken(ctx context.Context, account string, params credentials.TokenParams) (*credentials.TokenRecord, error)
	GetToken(ctx context.Context, account string) (*credentials.TokenRecord, error)
	UpdateToken(ctx context.Context, account string, update credentials.TokenUpdate) (*credentials.TokenRecord, error)
	DeleteToken(ctx context.Context, account string) (bool, error)
	ListAccounts(ctx context.Context) ([]credentials.AccountStatus, error)
}

// Options configures a Manager. Zero values fall back to the documented
// defaults; validation of user-supplied bounds happens in the config layer.
type Options struct {
	CredentialsPath string                        // OAuth client credentials JSON file
	Scopes          []string                      // scopes requested by flows and refreshes
	RefreshBuffer   time.Duration                 // refresh this long before expiry (default 30m)
	MaxRetries      int                           // refresh attempts per cycle (default 3)
	BackoffBase     time.Duration                 // backoff base between attempts (default 1s)
	AttemptTimeout  time.Duration                 // per network attempt (default 30s)
	RevokeURL       string                        // token revocation endpoint (default Google's)
	Workers         int                           // refresh worker goroutines (default 4)
	QueueSize       int                           // refresh queue capacity (default 16)
	Flow            credentials.AuthorizationFlow // nil disables interactive fallback
	HTTPClient      *http.Client                  // nil uses http.DefaultClient
	Logger          zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.RefreshBuffer <= 0 {
		o.RefreshBuffer = 30 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	if o.RevokeURL == "" {
		o.RevokeURL = DefaultRevokeURL
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	return o
}

// Manager answers "give me valid credentials for account X": it reuses
// stored tokens, refreshes expiring ones with bounded retries, falls back to
// the interactive authorization flow, and keeps one background refresh task
// armed per refreshable account.
type Manager struct {
	store Store
	opts  Options
	log   zerolog.Logger

	pool  *worker.Pool
	sched *scheduler.Scheduler

	// locks linearizes the load-refresh-persist cycle per account so a
	// manual refresh and a background refresh never both hit the network.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	credsOnce sync.Once
	creds     credentials.ClientCredentials
	credsErr  error

	closeOnce sync.Once
}

// New creates a Manager and starts its refresh workers. Callers own the
// store's lifetime; Close stops only what New started.
func New(store Store, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		store: store,
		opts:  opts,
		log:   opts.Logger,
		locks: make(map[string]*sync.Mutex),
	}
	m.pool = worker.NewPool(opts.Workers, opts.QueueSize, opts.Logger)
	m.sched = scheduler.New(m.refreshCycle, m.pool, opts.Logger)
	m.pool.Start()
	return m
}

// Close stops the scheduler and the refresh workers.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.sched.Stop()
		m.pool.Stop()
	})
}

// GetCredentials returns a usable token for account, refreshing or running
// the authorization flow as needed. An empty account selects the first
// stored one.
func (m *Manager) GetCredentials(ctx context.Context, account string) (*credentials.TokenRecord, error) {
	account, err := m.resolveAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	mu := m.accountLock(account)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetToken(ctx, account)
	var notFound *credentials.TokenNotFoundError
	switch {
	case errors.As(err, &notFound):
		return m.runFlow(ctx, account)
	case err != nil:
		return nil, err
	}

	if !rec.Expired(time.Now().Add(manualExpirySkew)) {
		m.ensureScheduled(rec)
		return rec, nil
	}

	if rec.CanRefresh() {
		updated, rerr := m.refreshWithRetry(ctx, rec)
		if rerr == nil {
			m.scheduleAfterWrite(updated)
			return updated, nil
		}
		var storageErr *credentials.TokenStorageError
		if errors.As(rerr, &storageErr) {
			// Storage failures may mean corruption; a new authorization
			// would hit the same store, so surface them as-is.
			return nil, rerr
		}
		m.log.Warn().Err(rerr).Str("account", account).Msg("refresh failed, falling back to authorization flow")
		if m.opts.Flow == nil {
			return nil, rerr
		}
		return m.runFlow(ctx, account)
	}

	// Expired with no refresh token: only interactive authorization helps.
	if m.opts.Flow == nil {
		return nil, &credentials.TokenRefreshError{
			Account:   account,
			Permanent: true,
			Err:       errors.New("token expired and no refresh token available"),
		}
	}
	return m.runFlow(ctx, account)
}

// RefreshAccount forces one refresh cycle for account, regardless of how
// close its token is to expiry. It never falls back to the interactive flow.
func (m *Manager) RefreshAccount(ctx context.Context, account string) (*credentials.TokenRecord, error) {
	account, err := m.resolveAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	mu := m.accountLock(account)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetToken(ctx, account)
	if err != nil {
		return nil, err
	}
	if !rec.CanRefresh() {
		return nil, &credentials.TokenRefreshError{
			Account:   account,
			Permanent: true,
			Err:       errors.New("no refresh token available"),
		}
	}

	updated, err := m.refreshWithRetry(ctx, rec)
	if err != nil {
		return nil, err
	}
	m.scheduleAfterWrite(updated)
	return updated, nil
}

// ForceReauthorize revokes the current token upstream (best effort) and
// always runs the authorization flow, replacing whatever is stored.
func (m *Manager) ForceReauthorize(ctx context.Context, account string) (*credentials.TokenRecord, error) {
	account, err := m.resolveAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	mu := m.accountLock(account)
	mu.Lock()
	defer mu.Unlock()

	m.sched.Cancel(account)

	rec, err := m.store.GetToken(ctx, account)
	if err == nil {
		if rerr := m.revokeUpstream(ctx, rec); rerr != nil {
			m.log.Warn().Err(rerr).Str("account", account).Msg("upstream revocation failed, reauthorizing anyway")
		}
	}

	return m.runFlow(ctx, account)
}

// RevokeCredentials revokes account's token upstream (best effort), deletes
// it from the store, and cancels any pending refresh task. Reports whether a
// token existed.
func (m *Manager) RevokeCredentials(ctx context.Context, account string) (bool, error) {
	account, err := m.resolveAccount(ctx, account)
	if errors.Is(err, ErrNoAccounts) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	mu := m.accountLock(account)
	mu.Lock()
	defer mu.Unlock()

	// Cancel before deleting so a pending timer cannot fire between the
	// delete and the cancel and resurrect the token.
	m.sched.Cancel(account)

	rec, err := m.store.GetToken(ctx, account)
	var notFound *credentials.TokenNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if rerr := m.revokeUpstream(ctx, rec); rerr != nil {
		m.log.Warn().Err(rerr).Str("account", account).Msg("upstream revocation failed, deleting locally")
	}

	deleted, err := m.store.DeleteToken(ctx, account)
	if err != nil {
		return false, err
	}
	m.log.Info().Str("account", account).Msg("credentials revoked")
	return deleted, nil
}

// Status is one account's entry in the status report.
type Status struct {
	Valid           bool      `json:"valid"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastUpdated     time.Time `json:"last_updated"`
}

// CheckAuthStatus reports every known account's token state. It is a pure
// read: no refreshes, no network calls, no scheduling changes.
func (m *Manager) CheckAuthStatus(ctx context.Context) (map[string]Status, error) {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	report := make(map[string]Status, len(accounts))
	for _, a := range accounts {
		report[a.Account] = Status{
			Valid:           a.HasToken && !a.Expired,
			HasRefreshToken: a.HasRefreshToken,
			ExpiresAt:       a.ExpiresAt,
			LastUpdated:     a.UpdatedAt,
		}
	}
	return report, nil
}

// Bootstrap arms a refresh task for every stored account that can be
// refreshed and expires. Called once at startup so accounts stay fresh
// without waiting to be asked for.
func (m *Manager) Bootstrap(ctx context.Context) (int, error) {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}

	armed := 0
	for _, a := range accounts {
		if !a.HasToken || !a.HasRefreshToken || a.ExpiresAt.IsZero() {
			continue
		}
		runAt := a.ExpiresAt.Add(-m.opts.RefreshBuffer)
		if _, err := m.sched.Schedule(a.Account, runAt); err != nil {
			return armed, err
		}
		armed++
	}
	m.log.Info().Int("accounts", len(accounts)).Int("scheduled", armed).Msg("bootstrap sweep complete")
	return armed, nil
}

// Tasks lists pending refresh tasks for status reporting.
func (m *Manager) Tasks() []scheduler.TaskInfo {
	return m.sched.Tasks()
}

// SchedulerStats returns scheduler counters for status reporting.
func (m *Manager) SchedulerStats() scheduler.Stats {
	return m.sched.Stats()
}

// PoolStats returns refresh worker pool counters for status reporting.
func (m *Manager) PoolStats() worker.PoolStats {
	return m.pool.Stats()
}

// resolveAccount defaults an empty account to the first stored one.
func (m *Manager) resolveAccount(ctx context.Context, account string) (string, error) {
	if account != "" {
		return account, nil
	}
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", ErrNoAccounts
	}
	return accounts[0].Account, nil
}

func (m *Manager) accountLock(account string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[account]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[account] = mu
	}
	return mu
}

// runFlow executes the interactive authorization flow and persists its
// result. Callers hold the account lock.
func (m *Manager) runFlow(ctx context.Context, account string) (*credentials.TokenRecord, error) {
	if m.opts.Flow == nil {
		return nil, &credentials.AuthorizationFlowError{
			Account: account,
			Reason:  "no authorization flow configured",
		}
	}

	creds, err := m.clientCredentials()
	if err != nil {
		metrics.AuthorizationFlows.WithLabelValues("failure").Inc()
		return nil, &credentials.AuthorizationFlowError{
			Account: account,
			Reason:  "client credentials unavailable",
			Err:     err,
		}
	}

	tok, err := m.opts.Flow.Run(ctx, creds, m.opts.Scopes, account)
	if err != nil {
		metrics.AuthorizationFlows.WithLabelValues("failure").Inc()
		return nil, &credentials.AuthorizationFlowError{
			Account: account,
			Reason:  "authorization flow failed",
			Err:     err,
		}
	}
	if tok == nil || tok.AccessToken == "" {
		metrics.AuthorizationFlows.WithLabelValues("failure").Inc()
		return nil, &credentials.AuthorizationFlowError{
			Account: account,
			Reason:  "authorization flow returned no usable token",
		}
	}

	rec, err := m.store.StoreToken(ctx, account, credentials.ParamsFromToken(tok, m.opts.Scopes, flowMetadata(creds)))
	if err != nil {
		metrics.AuthorizationFlows.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.AuthorizationFlows.WithLabelValues("success").Inc()

	m.scheduleAfterWrite(rec)
	m.log.Info().Str("account", account).Msg("authorization flow completed")
	return rec, nil
}

// flowMetadata records which client obtained the token, so later refreshes
// keep working even if the credentials file moves.
func flowMetadata(creds credentials.ClientCredentials) map[string]string {
	if creds.IsZero() {
		return nil
	}
	md := map[string]string{credentials.MetadataClientID: creds.ClientID}
	if creds.ClientSecret != "" {
		md[credentials.MetadataClientSecret] = creds.ClientSecret
	}
	return md
}

// clientCredentials loads the credentials file once and caches the result.
func (m *Manager) clientCredentials() (credentials.ClientCredentials, error) {
	m.credsOnce.Do(func() {
		if m.opts.CredentialsPath == "" {
			m.credsErr = errors.New("no client credentials file configured")
			return
		}
		m.creds, m.credsErr = credentials.LoadClientCredentials(m.opts.CredentialsPath)
	})
	return m.creds, m.credsErr
}

// nextRefreshAt computes when rec should be refreshed in the background;
// zero means never (no expiry or nothing to refresh with).
func (m *Manager) nextRefreshAt(rec *credentials.TokenRecord) time.Time {
	if !rec.CanRefresh() || rec.ExpiresAt.IsZero() {
		return time.Time{}
	}
	return rec.ExpiresAt.Add(-m.opts.RefreshBuffer)
}

// scheduleAfterWrite re-arms account's refresh task after a token write,
// replacing any pending one.
func (m *Manager) scheduleAfterWrite(rec *credentials.TokenRecord) {
	runAt := m.nextRefreshAt(rec)
	if runAt.IsZero() {
		return
	}
	if _, err := m.sched.Schedule(rec.Account, runAt); err != nil && !errors.Is(err, scheduler.ErrSchedulerStopped) {
		m.log.Error().Err(err).Str("account", rec.Account).Msg("scheduling refresh failed")
	}
}

// ensureScheduled arms a task only if none is pending, keeping the
// read-only fast path idempotent.
func (m *Manager) ensureScheduled(rec *credentials.TokenRecord) {
	if _, pending := m.sched.NextRun(rec.Account); pending {
		return
	}
	m.scheduleAfterWrite(rec)
}
