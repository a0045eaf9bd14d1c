package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bastion/api"
	"bastion/config"
	"bastion/core"
	"bastion/detect"
	"bastion/notify"
	"bastion/session"
	"bastion/storage"
)

// App represents the bastion service with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Stores    *StorageComponents
	Notifier  *notify.Notifier
	Engine    *detect.Engine
	Sessions  *session.Manager
	Retention *storage.RetentionManager
	APIServer *api.API

	serviceWg *sync.WaitGroup
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{serviceWg: &sync.WaitGroup{}}

	logger, sugar, err := InitLogger("")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Bastion security core starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	if cfg.Logging.Level != "" {
		logger, sugar, err = InitLogger(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		app.Logger = logger
		app.Sugar = sugar
	}

	stores, err := InitStores(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Stores = stores

	app.Notifier = notify.NewNotifier(cfg.Notifications, sugar)

	engine, err := InitEngine(cfg, stores, app.Notifier, sugar)
	if err != nil {
		return nil, err
	}
	app.Engine = engine

	verifier, err := initVerifier(cfg, sugar)
	if err != nil {
		return nil, err
	}

	lockouts := session.NewLockoutTracker(stores.Lockouts, session.LockoutConfig{
		MaxFailedAttempts: cfg.Lockout.Threshold,
		LockoutDuration:   cfg.Lockout.Duration,
	}, nil, sugar)

	app.Sessions = session.NewManager(stores.Sessions, lockouts, verifier, nil, engine, session.Config{
		IdleTimeout:           cfg.Session.IdleTimeout,
		MaxConcurrentSessions: cfg.Session.MaxConcurrent,
		SweepInterval:         cfg.Session.SweepInterval,
	}, nil, sugar)

	// The executor closes the engine→manager cycle: rule actions invalidate
	// sessions through the manager and alert through the notifier.
	engine.SetExecutor(detect.NewActionExecutor(
		engine.Blocklist(), app.Sessions, app.Notifier, engine.Throttle(), sugar))

	app.Retention = storage.NewRetentionManager(
		stores.Events, cfg.Retention.Window, cfg.Retention.SweepInterval, core.SystemClock(), sugar)

	if cfg.API.Enabled {
		app.APIServer = api.NewAPI(engine, app.Sessions, stores.PasswordHistory, cfg, sugar)
	}

	return app, nil
}

// initVerifier selects the password verifier from configuration.
func initVerifier(cfg *config.Config, sugar *zap.SugaredLogger) (session.PasswordVerifier, error) {
	if cfg.Auth.UsersFile == "" {
		sugar.Warn("No users file configured; all credential logins will be rejected")
		return denyAllVerifier{logger: sugar}, nil
	}
	verifier, err := LoadFileVerifier(cfg.Auth.UsersFile)
	if err != nil {
		return nil, err
	}
	sugar.Infow("Credential verifier initialized", "users_file", cfg.Auth.UsersFile)
	return verifier, nil
}

// Start starts all application services.
func (a *App) Start(ctx context.Context) error {
	a.Engine.Start()
	a.Sessions.Start()
	a.Retention.Start()

	if a.APIServer != nil {
		a.serviceWg.Add(1)
		go func() {
			defer a.serviceWg.Done()
			a.Sugar.Infof("API server started on %s", a.Config.API.Addr)
			if err := a.APIServer.Start(a.Config.API.Addr); err != nil && err != http.ErrServerClosed {
				a.Sugar.Errorf("API server error: %v", err)
			}
		}()
	}

	return nil
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("API server shutdown error", "error", err)
		}
		cancel()
	}

	a.Sessions.Stop()
	a.Engine.Stop()
	a.Retention.Stop()

	// Notifier last so in-flight event deliveries can finish.
	a.Notifier.Close()

	a.Stores.Close(a.Sugar)
	a.serviceWg.Wait()

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
