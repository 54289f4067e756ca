package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/ijoka/internal/bus"
	"github.com/p-blackswan/ijoka/internal/config"
	"github.com/p-blackswan/ijoka/internal/features"
	"github.com/p-blackswan/ijoka/internal/health"
	"github.com/p-blackswan/ijoka/internal/metrics"
	"github.com/p-blackswan/ijoka/internal/mirror"
	"github.com/p-blackswan/ijoka/internal/models"
	"github.com/p-blackswan/ijoka/internal/notify"
	"github.com/p-blackswan/ijoka/internal/pipeline"
	"github.com/p-blackswan/ijoka/internal/server"
	"github.com/p-blackswan/ijoka/internal/store"
	"github.com/p-blackswan/ijoka/internal/transcript"
	"github.com/p-blackswan/ijoka/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the watcher, the ingestion server and the graph mirror",
	Long: `Run the full pipeline:

- watch transcript files and feature lists of registered projects
- accept hook events on the local ingestion server
- persist everything to the local cache and mirror it to the graph database
  when one is reachable`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer st.Close()

	if err := applySeed(cfg, st, logger); err != nil {
		logger.Warn().Err(err).Str("path", cfg.SeedFile).Msg("settings seed not applied")
	}

	m := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("cache", health.CacheCheck(st))

	// Mirror
	var (
		graph  mirror.Graph
		client *mirror.Client
	)
	if cfg.GraphEnabled {
		mcfg := mirror.DefaultConfig()
		mcfg.URI = cfg.GraphURI
		mcfg.User = cfg.GraphUser
		mcfg.Password = cfg.GraphPassword
		mcfg.Database = cfg.GraphDatabase
		mcfg.Timeout = cfg.GraphTimeout

		client = mirror.NewClient(mcfg, logger)
		client.OnStateChange(m.SetMirrorConnected)
		checker.Register("mirror", health.MirrorCheck(client.IsConnected))
		graph = client
	} else {
		logger.Info().Msg("graph mirror disabled")
	}

	dispatcher := mirror.NewDispatcher(mirror.DispatcherConfig{
		Workers:   cfg.MirrorWorkers,
		QueueSize: cfg.MirrorQueue,
		Timeout:   cfg.GraphTimeout,
	}, graph, m, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// Pipeline
	b := bus.New[models.AgentEvent](cfg.BusCapacity)
	coord := pipeline.NewCoordinator(st, b, dispatcher, m, logger)
	notifier := notify.NewGated(notify.NewLogNotifier(logger), coord, logger)
	reconciler := features.NewReconciler(coord, notifier, logger)
	handler := pipeline.NewFileHandler(coord, transcript.NewParser(logger), transcript.NewTracker(0), reconciler, logger)

	w, err := watcher.New(watcher.Config{
		TranscriptRoots: []string{cfg.ClaudeProjectsDir},
		Debounce:        cfg.Debounce,
	}, handler, m, logger)
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()
	coord.SetWatchSet(w)

	settings, _, err := coord.Settings()
	if err != nil {
		return err
	}
	w.SetProjects(settings.WatchedProjects)
	for _, dir := range settings.WatchedProjects {
		if _, err := reconciler.Resync(dir); err != nil {
			logger.Warn().Err(err).Str("project_dir", dir).Msg("initial feature sync failed")
		}
	}

	port := settings.SyncServerPort
	if cfg.Port > 0 {
		port = cfg.Port
	}
	srv := server.NewServer(server.ServerConfig{
		ListenAddr:  cfg.ListenAddr(port),
		CORSOrigins: cfg.CORSOriginList(),
	}, coord, reconciler, notifier, checker, m, logger)

	logger.Info().
		Str("environment", cfg.Environment).
		Str("db_path", cfg.DBPath).
		Str("transcripts", cfg.ClaudeProjectsDir).
		Int("port", port).
		Int("watched_projects", len(settings.WatchedProjects)).
		Bool("graph_enabled", cfg.GraphEnabled).
		Msg("starting ijoka")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.Run(gCtx) })
	g.Go(func() error { return coord.RunUISink(gCtx) })
	g.Go(func() error { return srv.Start() })

	if client != nil {
		g.Go(func() error {
			// Failure leaves the mirror disconnected; operations retry on demand.
			_ = client.Connect(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down")
		b.Close()
		return srv.Shutdown()
	})

	err = g.Wait()

	if client != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.GraphTimeout)
		defer cancel()
		if cerr := client.Close(closeCtx); cerr != nil {
			logger.Warn().Err(cerr).Msg("graph client close failed")
		}
	}

	logger.Info().Msg("ijoka stopped")
	return err
}

// applySeed writes the seed file's settings when none are persisted yet.
func applySeed(cfg *config.Config, st *store.Store, logger zerolog.Logger) error {
	if cfg.SeedFile == "" {
		return nil
	}

	_, found, err := st.Settings()
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	seed, err := config.LoadSeed(cfg.SeedFile)
	if err != nil {
		return err
	}
	settings := seed.Settings()
	if err := st.SaveSettings(settings); err != nil {
		return err
	}

	logger.Info().
		Str("path", cfg.SeedFile).
		Int("watched_projects", len(settings.WatchedProjects)).
		Msg("settings seeded")
	return nil
}
