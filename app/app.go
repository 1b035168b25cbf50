// Package app wires a configured engine to the net/http adapter and runs
// it until the process is told to stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/searchktools/exot/config"
	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/router"
	"github.com/searchktools/exot/core/server"
)

// App is a configured engine, its server adapter and logger.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	engine  *core.Engine
	adapter *server.Adapter
}

// New creates an application instance from cfg.
func New(cfg *config.Config) (*App, error) {
	log, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	engine := core.New(core.Options{
		Name:    cfg.Name,
		Prefix:  cfg.Prefix,
		Tracing: cfg.Tracing,
		Router:  RouterConfig(cfg.Router),
		Logger:  log,
	})
	return NewWithEngine(cfg, engine, log), nil
}

// NewWithEngine creates an application instance around a pre-configured
// engine.
func NewWithEngine(cfg *config.Config, engine *core.Engine, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	adapter := server.New(server.Config{
		Host:         cfg.Host,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		H2C:          cfg.H2C,
		ReusePort:    cfg.ReusePort,
		Logger:       log,
	})
	engine.Adapter(adapter)
	return &App{cfg: cfg, log: log, engine: engine, adapter: adapter}
}

// NewLogger builds the process logger: the production preset in
// production, the development preset otherwise, at cfg.LogLevel.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("app: log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	log, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return log.Named(cfg.Name), nil
}

func RouterConfig(r config.Router) router.Config {
	return router.Config{
		StrictTrailingSlash:  r.StrictTrailingSlash,
		KeepDuplicateSlashes: r.KeepDuplicateSlashes,
		CaseInsensitive:      r.CaseInsensitive,
		MaxParamLength:       r.MaxParamLength,
		DisableStaticMapping: r.DisableStaticMapping,
	}
}

// Engine returns the underlying engine for route registration.
func (a *App) Engine() *core.Engine { return a.engine }

func (a *App) Logger() *zap.Logger { return a.log }

func (a *App) Adapter() *server.Adapter { return a.adapter }

// Start binds the configured port and returns the bound one.
func (a *App) Start() (int, error) {
	port, err := a.engine.Listen(a.cfg.Port)
	if err != nil {
		return 0, err
	}
	a.log.Info("server started",
		zap.String("host", a.cfg.Host),
		zap.Int("port", port),
		zap.String("env", a.cfg.Env))
	return port, nil
}

// Shutdown drains connections for at most ShutdownTimeout.
func (a *App) Shutdown() error {
	ctx := context.Background()
	if a.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := a.engine.Close(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("shutdown deadline exceeded, connections dropped")
	}
	return err
}

// Run starts the server and blocks until ctx is done or SIGINT/SIGTERM
// arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	a.log.Info("shutting down")
	err := a.Shutdown()
	_ = a.log.Sync()
	return err
}
