// Command roster-herald mirrors Twitch live status into Discord channels.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Resumes a reconciliation loop for every configured (guild, tracker) pair.
//   - Watches clip documents and converts pending clips to GIFs in the background.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics,
//     and the /admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/roster-herald/clip"
	"github.com/onnwee/roster-herald/config"
	"github.com/onnwee/roster-herald/db"
	"github.com/onnwee/roster-herald/discord"
	"github.com/onnwee/roster-herald/docstore"
	"github.com/onnwee/roster-herald/roster"
	"github.com/onnwee/roster-herald/server"
	"github.com/onnwee/roster-herald/storage"
	"github.com/onnwee/roster-herald/telemetry"
	"github.com/onnwee/roster-herald/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("roster-herald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations: versioned migrations first, embedded SQL as a
	// fallback for deployments that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := docstore.NewPGStore(database)

	// Twitch Helix client with a self-refreshing app token. The token is
	// persisted so restarts skip the initial client-credentials round trip.
	tokens := &twitchapi.TokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		Store:        &db.TokenStoreAdapter{DB: database},
	}
	helix := &twitchapi.HelixClient{AppTokenSource: tokens, ClientID: cfg.TwitchClientID}

	bot := &discord.Client{Token: cfg.DiscordBotToken, BaseURL: cfg.DiscordAPIBase}

	// GIF uploads are optional: without a bucket the trackers still run, the
	// highlighted member just never gets a clip message.
	var uploader clip.Uploader
	if cfg.ClipOpts.Bucket != "" {
		gcs, err := storage.NewGCSUploader(ctx, cfg.ClipOpts.Bucket)
		if err != nil {
			slog.Error("gcs uploader init failed", slog.Any("err", err))
			os.Exit(1)
		}
		uploader = gcs
	} else {
		slog.Info("clip conversion disabled: CLIP_BUCKET not set")
	}

	heartbeat := func(hctx context.Context, key, value string) error {
		return db.SetKV(hctx, database, key, value)
	}

	pipeline := &clip.Pipeline{
		Store:     store,
		Clips:     helix,
		Uploader:  uploader,
		Opts:      cfg.ClipOpts,
		DataDir:   cfg.DataDir,
		Heartbeat: heartbeat,
	}

	sync := &roster.Synchronizer{
		Store:    store,
		Channels: bot,
		Live:     helix,
		Clips:    pipeline,
		Policies: roster.Policies(),
	}

	sched := &roster.Scheduler{
		Sync:      sync,
		Store:     store,
		Policies:  roster.Policies(),
		Interval:  cfg.TrackerPollInterval,
		Heartbeat: heartbeat,
		BaseCtx:   ctx,
	}
	if err := sched.ResumeAll(ctx); err != nil {
		slog.Error("failed to resume trackers", slog.Any("err", err))
		os.Exit(1)
	}

	// Pick up pending clip documents armed while the process was down via the
	// polling watcher. Documents a crash left at processing are re-armed
	// through the admin clip retry endpoint.
	go store.Watch(ctx, "clips", 15*time.Second, pipeline.OnChange(ctx))

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/admin)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handlers := server.NewHandlers(database, store, sched, helix, pipeline)
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
