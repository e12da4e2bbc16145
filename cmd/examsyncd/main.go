// Command examsyncd serves the exam autosave API: idempotent draft and event
// upserts, batch sync, progress reads and live save notices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/clawinfra/examsync/internal/api"
	"github.com/clawinfra/examsync/internal/channels"
	"github.com/clawinfra/examsync/internal/config"
	"github.com/clawinfra/examsync/internal/scheduler"
	"github.com/clawinfra/examsync/internal/security"
	"github.com/clawinfra/examsync/internal/store"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	LogLevel   *slog.LevelVar
	Store      *store.Store
	Sink       *channels.MQTTSink
	Hub        *channels.WatchHub
	APIServer  *api.Server
	Scheduler  *scheduler.Scheduler
	Watcher    *config.Watcher

	apiCancel context.CancelFunc
	apiDone   chan error
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("examsyncd", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "examsync.toml", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	watch := fs.Bool("watch", false, "Reload config when the file changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintf(out, "examsyncd v%s (built %s)\n", version, buildTime)
		return 0
	}

	app, err := setup(*configPath, out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app, *watch); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		app.close()
		return 1
	}

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components
func setup(configPath string, out io.Writer) (*App, error) {
	app := &App{ConfigPath: configPath, LogLevel: new(slog.LevelVar)}
	app.Logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: app.LogLevel}))

	app.Logger.Info("starting examsyncd", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg
	app.LogLevel.Set(parseLogLevel(cfg.Server.LogLevel))

	st, err := store.Open(context.Background(), cfg.StorePath(), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.Store = st

	app.Hub = channels.NewWatchHub(app.Logger)

	opts := []api.Option{api.WithHub(app.Hub)}
	if secret := security.GetJWTSecret(); secret != nil {
		opts = append(opts, api.WithJWTSecret(secret))
	}
	if cfg.MQTT.Enabled {
		app.Sink = channels.NewMQTTSink(cfg.MQTT, app.Logger)
		opts = append(opts, api.WithEventSink(app.Sink))
	}
	app.APIServer = api.NewServer(cfg.Server.Port, st, app.Logger, opts...)

	app.Scheduler = scheduler.NewScheduler(app.Logger)
	if cfg.Scheduler.Enabled {
		job := scheduler.NewPurgeJob(st, cfg.Scheduler.PurgeSchedule, cfg.Scheduler.Retention(), nil, app.Logger)
		if err := app.Scheduler.AddJob(job); err != nil {
			st.Close()
			return nil, fmt.Errorf("schedule purge: %w", err)
		}
	}

	return app, nil
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startServices starts all services
func startServices(app *App, watch bool) error {
	ctx := context.Background()

	if app.Sink != nil {
		// The API keeps accepting events while the broker is down.
		if err := app.Sink.Start(ctx); err != nil {
			app.Logger.Warn("mqtt sink unavailable", "error", err)
		}
	}

	if err := app.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var apiCtx context.Context
	apiCtx, app.apiCancel = context.WithCancel(ctx)
	app.apiDone = make(chan error, 1)
	go func() {
		app.apiDone <- app.APIServer.Start(apiCtx)
	}()

	if watch {
		app.Watcher = config.NewWatcher(app.ConfigPath, 5*time.Second, app.Logger, app.reload)
		app.Watcher.Start()
	}

	app.Logger.Info("examsyncd ready",
		"port", app.Config.Server.Port,
		"mqtt", app.Sink != nil,
		"jobs", len(app.Scheduler.ListJobs()),
	)
	return nil
}

// reload applies hot-reloadable config changes.
func (app *App) reload() {
	result, err := app.Config.Reload(app.ConfigPath)
	if err != nil {
		app.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(app.Logger)
	if result.HasApplied("Server.LogLevel") {
		config.RLock()
		app.LogLevel.Set(parseLogLevel(app.Config.Server.LogLevel))
		config.RUnlock()
	}
}

// waitForShutdown waits for termination signal and performs graceful shutdown
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
		case err := <-app.apiDone:
			app.apiDone = nil
			if err != nil {
				app.Logger.Error("API server stopped", "error", err)
				app.close()
				return fmt.Errorf("api server: %w", err)
			}
		}
		break
	}

	return app.close()
}

// close stops the services in reverse start order.
func (app *App) close() error {
	if app.Watcher != nil {
		app.Watcher.Stop()
	}
	if app.apiCancel != nil {
		app.apiCancel()
		if app.apiDone != nil {
			if err := <-app.apiDone; err != nil {
				app.Logger.Error("API server shutdown", "error", err)
			}
		}
	}
	app.Scheduler.Stop()
	if app.Sink != nil {
		app.Sink.Stop()
	}
	if err := app.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	app.Logger.Info("examsyncd stopped")
	return nil
}
