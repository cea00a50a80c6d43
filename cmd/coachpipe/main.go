package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/config"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/lockfile"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/pipeline"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/suppression"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachPipe state data
	DefaultStateDir = "/var/lib/coachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coachpipe.db"
)

func main() {
	initializeLogger(util.GetEnv("LOG_LEVEL", "info"))

	env := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(env, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CoachPipe")
	if err := run(ctx, flags); err != nil {
		slog.Error("CoachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CoachPipe exited successfully")
}

// Env holds environment configuration
type Env struct {
	StateDir    string
	DatabaseURL string
	ConfigPath  string
	OpenAIKey   string
	APIAddr     string
	StatusURL   string
}

// Flags holds command line flag values
type Flags struct {
	StateDir   string
	DBDSN      string
	ConfigPath string
	OpenAIKey  string
	APIAddr    string
	StatusURL  string
	GenAIDebug bool
}

// initializeLogger sets up structured logging at the named level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Env {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	env := Env{
		StateDir:    util.GetEnv("COACHPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		ConfigPath:  os.Getenv("COACHPIPE_CONFIG"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     util.GetEnv("API_ADDR", api.DefaultAddr),
		StatusURL:   os.Getenv("TWILIO_STATUS_CALLBACK_URL"),
	}

	slog.Debug("environment variables loaded",
		"COACHPIPE_STATE_DIR", env.StateDir,
		"DATABASE_URL_SET", env.DatabaseURL != "",
		"COACHPIPE_CONFIG", env.ConfigPath,
		"OPENAI_API_KEY_SET", env.OpenAIKey != "",
		"API_ADDR", env.APIAddr)
	return env
}

// parseCommandLineFlags parses args with environment defaults. An empty
// DSN resolves to the SQLite file under the state directory.
func parseCommandLineFlags(env Env, args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("coachpipe", flag.ContinueOnError)
	fs.StringVar(&f.StateDir, "state-dir", env.StateDir, "state directory for CoachPipe data (overrides $COACHPIPE_STATE_DIR)")
	fs.StringVar(&f.DBDSN, "db-dsn", env.DatabaseURL, "Postgres URL or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&f.ConfigPath, "config", env.ConfigPath, "YAML tuning file (overrides $COACHPIPE_CONFIG)")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", env.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.APIAddr, "api-addr", env.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.StatusURL, "status-callback", env.StatusURL, "public URL of the Twilio status webhook")
	fs.BoolVar(&f.GenAIDebug, "genai-debug", false, "write generation requests to the state directory")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if f.DBDSN == "" {
		f.DBDSN = filepath.Join(f.StateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"stateDir", f.StateDir,
		"dbDSN_set", f.DBDSN != "",
		"config", f.ConfigPath,
		"openaiKeySet", f.OpenAIKey != "",
		"apiAddr", f.APIAddr)
	return f, nil
}

// ensureDirectoriesExist creates the directory holding a SQLite database file.
func ensureDirectoriesExist(f Flags) error {
	if store.DetectDSNType(f.DBDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(f.DBDSN, "file:"))
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

// acquireStateLock locks the SQLite state directory. Postgres deployments
// coordinate through the database and get a nil lock.
func acquireStateLock(f Flags) (*lockfile.Lock, error) {
	if store.DetectDSNType(f.DBDSN) == "postgres" {
		return nil, nil
	}
	return lockfile.AcquireLock(filepath.Dir(strings.TrimPrefix(f.DBDSN, "file:")))
}

// openStore opens the backend the DSN names.
func openStore(dsn string) (store.Backend, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(f Flags, cfg config.Config) []genai.Option {
	var opts []genai.Option
	if f.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(f.OpenAIKey))
	}
	if cfg.Generation.Model != "" {
		opts = append(opts, genai.WithModel(cfg.Generation.Model))
	}
	if f.GenAIDebug {
		opts = append(opts, genai.WithDebug(f.StateDir))
	}
	return opts
}

// buildSender returns the Twilio client, or a logging mock when credentials
// are missing.
func buildSender(f Flags) messaging.Sender {
	var opts []messaging.TwilioOption
	if f.StatusURL != "" {
		opts = append(opts, messaging.WithStatusCallback(f.StatusURL))
	}
	client, err := messaging.NewTwilioClient(opts...)
	if err != nil {
		slog.Warn("Twilio not configured, using mock sender", "error", err)
		return messaging.NewMockSender()
	}
	return client
}

// buildDirectory prefers the configured recipient map over stored profiles.
func buildDirectory(cfg config.Config, profiles *flow.ProfileDirectory) messaging.Directory {
	if len(cfg.Recipients) > 0 {
		return messaging.StaticDirectory(cfg.Recipients)
	}
	return profiles
}

// loadCatalog reads the protocol catalog, falling back to the built-in set.
func loadCatalog(path string) (*flow.Catalog, error) {
	if path == "" {
		return flow.NewCatalog(nil), nil
	}
	protocols, err := flow.LoadProtocols(path)
	if err != nil {
		return nil, err
	}
	return flow.NewCatalog(protocols), nil
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, f Flags) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	lock, err := acquireStateLock(f)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(f.DBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("store close failed", "error", err)
		}
	}()

	var generator pipeline.TextGenerator
	if client, err := genai.NewClient(buildGenAIOptions(f, cfg)...); err != nil {
		slog.Warn("GenAI disabled, nudges and chat will use fallbacks", "error", err)
	} else {
		generator = client
	}

	catalog, err := loadCatalog(cfg.ProtocolsPath)
	if err != nil {
		return err
	}

	sms := messaging.NewSMSChannel(buildSender(f))
	if err := sms.Start(ctx); err != nil {
		return fmt.Errorf("start sms channel: %w", err)
	}
	defer func() {
		if err := sms.Stop(); err != nil && !errors.Is(err, messaging.ErrServiceStopped) {
			slog.Error("sms channel stop failed", "error", err)
		}
	}()

	profiles := flow.NewProfileDirectory(st)
	deliverer := messaging.NewOutboxDeliverer(st, buildDirectory(cfg, profiles))
	p := pipeline.New(catalog, generator, deliverer,
		pipeline.WithRecorder(st),
		pipeline.WithSuppressionEngine(suppression.NewEngine(suppression.WithSettings(cfg.Suppression))),
		pipeline.WithGenerationTimeout(cfg.Generation.Timeout),
		pipeline.WithBatchConcurrency(cfg.Generation.BatchConcurrency))
	coach := flow.NewCoach(st, p, flow.WithJobRepo(st), flow.WithLookback(cfg.Lookback))

	runner := store.NewJobRunner(st,
		store.WithPollInterval(cfg.Workers.JobPollInterval),
		store.WithStaleThreshold(cfg.Workers.StaleThreshold))
	flow.RegisterJobHandlers(runner, coach)
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Error("job recovery failed", "error", err)
	}

	sender := store.NewOutboxSender(st, messaging.OutboxSendFunc(sms),
		store.WithPollInterval(cfg.Workers.OutboxPollInterval),
		store.WithStaleThreshold(cfg.Workers.StaleThreshold))
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		slog.Error("outbox recovery failed", "error", err)
	}

	listener := messaging.NewListener(sms, coach.ReplyFunc(profiles),
		messaging.WithDedup(st), messaging.WithReceiptRecorder(st))

	sched := scheduler.NewScheduler(scheduler.WithLocation(loc))
	defer sched.Stop()
	if err := scheduler.RegisterCoachTasks(sched, coach, cfg.Schedule); err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, worker := range []func(context.Context){runner.Run, sender.Run, listener.Run} {
		wg.Add(1)
		go func(work func(context.Context)) {
			defer wg.Done()
			work(ctx)
		}(worker)
	}

	srv := api.NewServer(coach, st, api.WithAddr(f.APIAddr), api.WithSMSChannel(sms))
	return srv.Run(ctx)
}
