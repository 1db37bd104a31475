package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/doctrack/attachment"
	"github.com/c360studio/doctrack/config"
	"github.com/c360studio/doctrack/document"
	"github.com/c360studio/doctrack/query"
	"github.com/c360studio/doctrack/session"
	"github.com/c360studio/doctrack/storage"
	"github.com/c360studio/doctrack/transport"
)

// App wires the tracker client, the session cache and the two service
// layers for one CLI invocation.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry

	// Cache mirror
	natsConn  *storage.Conn
	persister *storage.KVPersister

	session     *session.Session
	client      *transport.Client
	attachments *attachment.Service
	documents   *document.Aggregator
}

// NewApp creates a new application instance. The cache mirror is started
// only when cache.enabled is set.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(collectors.NewGoCollector())

	if cfg.Cache.Enabled {
		if err := app.startCacheMirror(ctx); err != nil {
			return nil, fmt.Errorf("start cache mirror: %w", err)
		}
	}

	tokens, err := tokenProvider(cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	retry := retryConfig(cfg.Query)
	cacheOpts := []query.Option{
		query.WithStaleTime(cfg.Query.StaleTime),
		query.WithRetry(retry),
		query.WithLogger(logger),
		query.WithMetrics(query.NewMetrics(app.registry)),
	}
	if app.persister != nil {
		cacheOpts = append(cacheOpts, query.WithPersister(app.persister))
	}
	app.session = session.New(tokens, query.NewCache(cacheOpts...))

	app.client = transport.NewClient(cfg.API.BaseURL,
		transport.WithTimeout(cfg.API.Timeout),
		transport.WithTokenSource(app.session),
		transport.WithLogger(logger),
	)

	app.attachments = attachment.NewService(app.client, app.session.Cache(),
		attachment.WithLogger(logger),
		attachment.WithMetrics(attachment.NewMetrics(app.registry)),
		attachment.WithRetry(retry),
	)
	app.documents = document.NewAggregator(app.client, app.session.Cache(),
		document.WithLogger(logger),
	)

	return app, nil
}

func (a *App) startCacheMirror(ctx context.Context) error {
	var (
		conn *storage.Conn
		err  error
	)
	if a.cfg.Cache.NATSURL != "" && !a.cfg.Cache.Embedded {
		a.logger.Debug("Connecting to NATS", "url", a.cfg.Cache.NATSURL)
		conn, err = storage.Connect(a.cfg.Cache.NATSURL)
	} else {
		a.logger.Debug("Starting embedded NATS server", "store_dir", a.cfg.Cache.StoreDir)
		conn, err = storage.StartEmbedded(a.cfg.Cache.StoreDir)
	}
	if err != nil {
		return err
	}
	a.natsConn = conn

	persister, err := storage.NewKVPersister(ctx, conn.JetStream(), a.cfg.Cache.Bucket,
		storage.WithTTL(a.cfg.Query.StaleTime),
		storage.WithLogger(a.logger),
	)
	if err != nil {
		conn.Close()
		a.natsConn = nil
		return err
	}
	a.persister = persister
	a.logger.Debug("Cache mirror ready", "url", conn.ClientURL(), "bucket", a.cfg.Cache.Bucket)
	return nil
}

func tokenProvider(cfg *config.Config, logger *slog.Logger) (session.TokenProvider, error) {
	if cfg.Session.TokenFile == "" {
		logger.Debug("No session file configured, requests are unauthenticated")
		return session.NewStatic("", session.User{}), nil
	}
	p, err := session.NewFileProvider(cfg.Session.TokenFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return p, nil
}

func retryConfig(q config.QueryConfig) transport.RetryConfig {
	rc := transport.DefaultRetryConfig()
	rc.MaxRetries = max(q.Retries, 0)
	if q.BackoffBase > 0 {
		rc.BackoffBase = q.BackoffBase
	}
	if q.MaxBackoff > 0 {
		rc.MaxBackoff = q.MaxBackoff
	}
	return rc
}

// User returns the signed-in identity.
func (a *App) User() session.User {
	return a.session.User()
}

// ServeMetrics exposes the registry on cfg.Metrics.Addr until ctx ends.
// It is a no-op when no address is configured.
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	a.logger.Info("Serving metrics", "addr", a.cfg.Metrics.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close gracefully stops all components.
func (a *App) Close() {
	if a.documents != nil {
		a.documents.Close()
	}
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.logger.Warn("Failed to close session", "error", err)
		}
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
}
