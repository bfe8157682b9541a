// Package server initializes and runs the auth server. It opens the
// credential store, builds the session services and runs the HTTP and gRPC
// transports until the process is signalled.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/shopkeeper/internal/logging"
	"github.com/dmitrijs2005/shopkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shopkeeper/internal/server/config"
	"github.com/dmitrijs2005/shopkeeper/internal/server/httpapi"
	"github.com/dmitrijs2005/shopkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/shopkeeper/internal/server/passwords"
	"github.com/dmitrijs2005/shopkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/shopkeeper/internal/server/services"
	"github.com/prometheus/client_golang/prometheus"

	gs "github.com/dmitrijs2005/shopkeeper/internal/server/grpc"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	repos    repomanager.RepositoryManager
	limits   *httpapi.LimiterStore
	metrics  *metrics.Metrics
	signer   *auth.Signer
	sessions *services.SessionService
	gate     *services.AuthorizationGate
}

// openRepos is a seam for tests.
var openRepos = repomanager.Open

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(c.LogFormat, os.Stdout, c.Debug)

	if c.SecretKey == "" {
		return nil, errors.New("secret key is required")
	}

	repos, err := openRepos(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	limits, err := httpapi.NewLimiterStore(ctx, c.RedisURL)
	if err != nil {
		_ = repos.Close()
		return nil, fmt.Errorf("rate limiter init error: %w", err)
	}

	m := metrics.New(prometheus.NewRegistry(), true)
	signer := auth.NewSigner(auth.SignerOptions{
		Key:      []byte(c.SecretKey),
		Issuer:   c.Issuer,
		Audience: c.Audience,
	})
	sessions := services.NewSessionService(repos, passwords.NewHasher(c.PasswordIterations), signer,
		services.OptionsFromConfig(c), logger).WithRecorder(m)
	gate := services.NewAuthorizationGate(repos, logger).WithRecorder(m)

	return &App{
		config:   c,
		logger:   logger,
		repos:    repos,
		limits:   limits,
		metrics:  m,
		signer:   signer,
		sessions: sessions,
		gate:     gate,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) httpHandler() (*httpapi.Server, error) {
	limit, err := httpapi.RateLimiter(app.config.LoginRateLimit, app.limits)
	if err != nil {
		return nil, err
	}
	checks := map[string]httpapi.Pinger{"database": app.repos}
	if app.limits.Shared() {
		checks["redis"] = app.limits
	}
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:      httpapi.NewHandler(app.sessions, app.logger),
		Health:       httpapi.NewHealthHandler(checks, app.logger),
		Authenticate: httpapi.Authenticator(app.signer, app.gate),
		RateLimit:    limit,
		Secure:       httpapi.Secure(app.config.Debug),
		Metrics:      app.metrics,
		Logger:       app.logger,
	})
	return httpapi.NewServer(app.config.EndpointAddrHTTP, router, app.logger), nil
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s, err := app.httpHandler()
	if err == nil {
		err = s.Run(ctx)
	}
	if err != nil {
		app.logger.Error(ctx, "http server failed", "error", err)
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	limit, err := gs.NewRateLimit(app.config.LoginRateLimit, app.limits)
	if err != nil {
		app.logger.Error(ctx, "grpc server failed", "error", err)
		cancelFunc()
		return
	}
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.sessions, app.signer, app.gate).
		WithObserver(app.metrics).
		WithRateLimit(limit)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, "grpc server failed", "error", err)
		cancelFunc()
	}
}

// Run serves both transports until ctx is cancelled or a signal arrives,
// then releases the store and the limiter.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	if err := app.limits.Close(); err != nil {
		app.logger.Error(ctx, "limiter close", "error", err)
	}
	if err := app.repos.Close(); err != nil {
		app.logger.Error(ctx, "db close", "error", err)
	}
	app.logger.Info(ctx, "App stopped")
}
