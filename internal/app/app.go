package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tokenkeeper/internal/auth"
	"tokenkeeper/internal/config"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/logger"
	"tokenkeeper/internal/metrics"
	"tokenkeeper/internal/storage"
)

// Application wires the token store, the credential manager and the admin
// surfaces together.
type Application struct {
	Config  *config.Config
	Store   *storage.TokenStore
	Manager *auth.Manager

	AdminServer   *http.Server
	MetricsServer *http.Server

	log       zerolog.Logger
	gaugeStop context.CancelFunc
	gaugeDone chan struct{}
}

// New builds the application from configuration. The flow, when non-nil,
// serves as the interactive fallback for accounts that cannot be refreshed.
func New(cfg *config.Config, flow credentials.AuthorizationFlow) (*Application, error) {
	key, err := storage.ParseEncryptionKey(cfg.Store.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("parsing encryption key: %w", err)
	}

	storeCfg := storage.DefaultConfig(cfg.Store.Path)
	storeCfg.EncryptionKey = key
	storeCfg.BusyTimeout = cfg.Store.BusyTimeout.Duration
	storeCfg.Logger = logger.Component("storage")

	store, err := storage.Open(context.Background(), storeCfg)
	if err != nil {
		return nil, fmt.Errorf("opening token store: %w", err)
	}

	manager := auth.New(store, auth.Options{
		CredentialsPath: cfg.Auth.CredentialsPath,
		Scopes:          cfg.Auth.Scopes,
		RefreshBuffer:   cfg.Refresh.Buffer.Duration,
		MaxRetries:      cfg.Refresh.MaxRetries,
		AttemptTimeout:  cfg.Refresh.AttemptTimeout.Duration,
		RevokeURL:       cfg.Auth.RevokeURL,
		Workers:         cfg.Refresh.Workers,
		QueueSize:       cfg.Refresh.QueueSize,
		Flow:            flow,
		Logger:          logger.Component("auth"),
	})

	app := &Application{
		Config:  cfg,
		Store:   store,
		Manager: manager,
		log:     logger.Component("app"),
	}

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/healthz", app.handleHealthz)
	adminMux.HandleFunc("/status", app.handleStatus)
	app.AdminServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           app.withRecovery(app.withRequestLog(adminMux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	app.MetricsServer = &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return app, nil
}

// Start arms refresh tasks for every stored account and brings up the
// listeners. A listener with an empty address stays down.
func (a *Application) Start(ctx context.Context) error {
	armed, err := a.Manager.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping refresh tasks: %w", err)
	}
	a.log.Info().Int("scheduled", armed).Msg("application starting")

	a.refreshStoreGauges(ctx)
	gaugeCtx, cancel := context.WithCancel(context.Background())
	a.gaugeStop = cancel
	a.gaugeDone = make(chan struct{})
	go a.gaugeLoop(gaugeCtx)

	if a.AdminServer.Addr != "" {
		go func() {
			a.log.Info().Str("addr", a.AdminServer.Addr).Msg("admin server listening")
			if err := a.AdminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error().Err(err).Msg("admin server failed")
			}
		}()
	}
	if a.MetricsServer.Addr != "" {
		go func() {
			a.log.Info().Str("addr", a.MetricsServer.Addr).Msg("metrics server listening")
			if err := a.MetricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	return nil
}

// Stop shuts down the listeners, then the manager, then the store.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info().Msg("application stopping")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.AdminServer.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("admin server shutdown")
	}
	if err := a.MetricsServer.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("metrics server shutdown")
	}

	if a.gaugeStop != nil {
		a.gaugeStop()
		<-a.gaugeDone
	}

	a.Manager.Close()

	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("closing token store: %w", err)
	}
	a.log.Info().Msg("application stopped")
	return nil
}

// gaugeLoop keeps the stored/expired token gauges current between scrapes.
func (a *Application) gaugeLoop(ctx context.Context) {
	defer close(a.gaugeDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			a.refreshStoreGauges(tickCtx)
			cancel()
		}
	}
}

func (a *Application) refreshStoreGauges(ctx context.Context) {
	m, err := a.Store.GetMetrics(ctx)
	if err != nil {
		a.log.Debug().Err(err).Msg("collecting store metrics")
		return
	}
	a.applyStoreGauges(m)
}

func (a *Application) applyStoreGauges(m *storage.Metrics) {
	metrics.StoredTokens.Set(float64(m.TotalTokens))
	metrics.ExpiredTokens.Set(float64(m.ExpiredTokens))
}
