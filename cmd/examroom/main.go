// Command examroom is the terminal exam client. It keeps every answer in a
// durable local queue and replays it to examsyncd whenever the server is
// reachable.
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
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/clawinfra/examsync/internal/autosave"
	"github.com/clawinfra/examsync/internal/channels"
	"github.com/clawinfra/examsync/internal/cloudsync"
	"github.com/clawinfra/examsync/internal/config"
	"github.com/clawinfra/examsync/internal/orchestrator"
	"github.com/clawinfra/examsync/internal/queue"
	"github.com/clawinfra/examsync/internal/scheduler"
	"github.com/clawinfra/examsync/internal/security"
	"github.com/clawinfra/examsync/internal/types"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// finalSyncBudget bounds the replay attempted after the room closes.
const finalSyncBudget = 5 * time.Second

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	LogLevel   *slog.LevelVar
	Queue      *queue.Queue
	Sync       *cloudsync.Manager
	Provider   *orchestrator.Provider
	Capture    *autosave.Capture
	Scheduler  *scheduler.Scheduler
	Watcher    *config.Watcher
	Room       *channels.ExamRoom
	Session    session

	mu      sync.Mutex
	token   string
	logFile *os.File
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("examroom", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "examsync.toml", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	watch := fs.Bool("watch", false, "Reload config when the file changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintf(out, "examroom v%s (built %s)\n", version, buildTime)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := setup(ctx, *configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.close()

	if err := app.start(ctx, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
		return 1
	}
	go handleSignals(ctx, cancel, app)

	if err := app.Room.Run(ctx); err != nil {
		app.Logger.Error("exam room failed", "error", err)
		return 1
	}
	app.finalSync()
	return 0
}

// setup builds the components without touching the network. Logs go to
// logOut, or to examroom.log in the data dir when nil since the terminal
// belongs to the room.
func setup(ctx context.Context, configPath string, logOut io.Writer) (*App, error) {
	app := &App{ConfigPath: configPath, LogLevel: new(slog.LevelVar)}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg
	app.LogLevel.Set(parseLogLevel(cfg.Server.LogLevel))

	if logOut == nil {
		if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.Server.DataDir, "examroom.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		app.logFile = f
		logOut = f
	}
	app.Logger = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: app.LogLevel}))
	app.Logger.Info("starting examroom", "version", version, "config", configPath)

	app.token = cfg.Sync.Token
	if app.token == "" {
		app.token = os.Getenv(security.EnvToken)
	}

	mgr, err := cloudsync.NewManager(cfg.Sync, app.Logger)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("sync manager: %w", err)
	}
	app.Sync = mgr

	q, err := openQueue(ctx, cfg, app.Logger)
	if err != nil {
		app.close()
		return nil, err
	}
	app.Queue = q

	app.Scheduler = scheduler.NewScheduler(app.Logger)
	app.Provider = orchestrator.NewProvider(ctx, app.buildOrchestrator, app.Logger)
	app.Capture = autosave.NewCapture(q, app.Provider,
		autosave.WithWindow(cfg.Autosave.Quiet(), cfg.Autosave.MaxWait()),
		autosave.WithLogger(app.Logger),
	)
	return app, nil
}

// buildOrchestrator is the provider's constructor.
func (app *App) buildOrchestrator() *orchestrator.Orchestrator {
	config.RLock()
	sc := app.Config.Sync
	config.RUnlock()

	opts := []orchestrator.Option{
		orchestrator.WithConfig(replayConfig(sc)),
		orchestrator.WithLogger(app.Logger),
		orchestrator.WithConnectivity(app.Sync),
	}
	if sc.WakeSchedule != "" {
		opts = append(opts, orchestrator.WithWakeRegistrar(scheduler.NewCronWaker(app.Scheduler, sc.WakeSchedule)))
	}
	o := orchestrator.New(app.Queue, app.Sync.Client(), opts...)
	o.Subscribe(app.Capture.HandleOutcome)
	return o
}

// start probes the server, resumes the session and builds the room.
func (app *App) start(ctx context.Context, watch bool) error {
	app.Sync.OnOnline(func() { app.Provider.RequestSync(types.ReasonOnline) })
	if err := app.Sync.Start(ctx); err != nil {
		return fmt.Errorf("start sync manager: %w", err)
	}
	app.Sync.Probe(ctx)

	if err := app.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	o := app.Provider.Ensure()
	if err := o.RegisterBackgroundWake(ctx); err != nil {
		app.Logger.Warn("background wake unavailable", "error", err)
	}

	s, err := resumeSession(ctx, app.Queue, app.Sync.Recovery(), app.Sync.Client(), app.Config.Exam, app.Logger)
	if err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	app.Session = s
	app.Logger.Info("session ready", "attempt", s.AttemptID, "source", s.Source)
	if s.Seed != nil {
		app.Capture.Seed(*s.Seed)
	}

	app.Room = channels.NewExamRoom(channels.RoomConfig{
		AttemptID: s.AttemptID,
		Module:    app.Config.Exam.Module,
		Tasks:     app.Config.Exam.Tasks,
		Seed:      s.Seed,
	}, app.Capture, app.Queue, app.Provider, app.Logger)

	go app.watchNotices(ctx)

	if app.Queue.Len() > 0 {
		app.Provider.RequestSync(types.ReasonQueued)
	}

	if watch {
		app.Watcher = config.NewWatcher(app.ConfigPath, 5*time.Second, app.Logger, app.reload)
		app.Watcher.Start()
	}
	return nil
}

// watchNotices streams save notices of the attempt into the room,
// reconnecting with backoff until ctx is done.
func (app *App) watchNotices(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second

	for {
		err := channels.Watch(ctx, app.Config.Sync.ServerURL, app.currentToken(), app.Session.AttemptID, app.Room.Notice)
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		if err == nil {
			b.Reset()
			wait = b.NextBackOff()
		} else {
			app.Logger.Debug("save notice stream dropped", "error", err, "retry_in", wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// finalSync tries once more to drain the queue after the room closed.
func (app *App) finalSync() {
	if app.Queue.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalSyncBudget)
	defer cancel()
	if err := app.Provider.Ensure().SyncNow(ctx, types.ReasonManual); err != nil {
		app.Logger.Warn("final sync incomplete", "error", err)
	}
	if n := app.Queue.Len(); n > 0 {
		app.Logger.Info("work kept in local queue", "records", n)
	}
}

// reload applies hot-reloadable config changes.
func (app *App) reload() {
	result, err := app.Config.Reload(app.ConfigPath)
	if err != nil {
		app.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(app.Logger)

	config.RLock()
	level, sc := app.Config.Server.LogLevel, app.Config.Sync
	config.RUnlock()

	if result.HasApplied("Server.LogLevel") {
		app.LogLevel.Set(parseLogLevel(level))
	}
	if result.HasApplied("Sync") {
		if o, ok := app.Provider.Current(); ok {
			o.SetConfig(replayConfig(sc))
		}
		app.refreshToken(context.Background(), sc.Token)
	}
}

func (app *App) currentToken() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.token
}

// refreshToken switches the replay client to a new bearer token. Records
// the server refused are released and replayed with it, since most of them
// were refused for the expired credentials.
func (app *App) refreshToken(ctx context.Context, token string) {
	if token == "" {
		return
	}
	app.mu.Lock()
	changed := token != app.token
	app.token = token
	app.mu.Unlock()
	if !changed {
		return
	}

	app.Sync.Client().SetToken(token)
	released, err := app.Queue.ReleaseRejected(ctx)
	if err != nil {
		app.Logger.Error("release rejected records", "error", err)
	}
	app.Logger.Info("sync token refreshed", "released", released)
	app.Provider.RequestSync(types.ReasonManual)
}

// close stops everything start and setup created.
func (app *App) close() {
	if app.Watcher != nil {
		app.Watcher.Stop()
	}
	if app.Scheduler != nil {
		app.Scheduler.Stop()
	}
	if app.Provider != nil {
		app.Provider.Dispose()
	}
	if app.Capture != nil {
		app.Capture.Close()
	}
	if app.Sync != nil {
		if err := app.Sync.Stop(); err != nil {
			app.Logger.Error("stop sync manager", "error", err)
		}
	}
	if app.Queue != nil {
		if err := app.Queue.Close(); err != nil {
			app.Logger.Error("close queue", "error", err)
		}
	}
	if app.Logger != nil {
		app.Logger.Info("examroom stopped")
	}
	if app.logFile != nil {
		app.logFile.Close() //nolint:errcheck
	}
}

// handleSignals reloads on SIGHUP and cancels ctx on termination.
func handleSignals(ctx context.Context, cancel context.CancelFunc, app *App) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("save default config: %w", err)
		}
		return cfg, nil
	}
	return cfg, err
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
