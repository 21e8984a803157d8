package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tourplayer/internal/api"
	"tourplayer/pkg/audio"
	"tourplayer/pkg/cache"
	"tourplayer/pkg/config"
	"tourplayer/pkg/db"
	"tourplayer/pkg/db/maintenance"
	"tourplayer/pkg/deeplink"
	"tourplayer/pkg/logging"
	"tourplayer/pkg/mediasession"
	"tourplayer/pkg/player"
	"tourplayer/pkg/preload"
	"tourplayer/pkg/probe"
	"tourplayer/pkg/request"
	"tourplayer/pkg/session"
	"tourplayer/pkg/store"
	"tourplayer/pkg/tour"
	"tourplayer/pkg/tracker"
	"tourplayer/pkg/version"
)

const (
	defaultConfigPath = "configs/tourplayer.yaml"
	tourWatchDebounce = 500 * time.Millisecond
	shutdownTimeout   = 5 * time.Second
)

var (
	configPath = flag.String("config", defaultConfigPath, "Path to the config file")
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
	tourFlag   = flag.String("tour", "", "Tour to open at startup")
	langFlag   = flag.String("lang", "", "Language of the startup tour (default: saved preference)")
	urlFlag    = flag.String("url", "", "Launch URL, e.g. https://host/tour?stop=<id>")
)

// options are the startup parameters of run.
type options struct {
	ConfigPath string
	TourID     string
	Language   string
	LaunchURL  string
	Output     audio.Output // nil: system speaker

	// NewEngine builds the engine around the element. nil uses audio.Shared,
	// which keeps the element of the first run for the life of the process.
	NewEngine func(audio.Element, audio.Options) *audio.Engine
}

func main() {
	flag.Parse()

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Config file generated: %s\n", *configPath)
		return
	}

	opts := options{
		ConfigPath: *configPath,
		TourID:     *tourFlag,
		Language:   *langFlag,
		LaunchURL:  *urlFlag,
	}
	if err := run(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	appCfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&appCfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("Tourplayer Started", "version", version.Version)

	// Persistence: progress survives a broken database in memory
	dbConn, st := initDB(appCfg)
	defer st.Close()
	prov := config.NewProvider(appCfg, st)

	// Assets
	tr := tracker.New()
	reqClient := request.New(assetCache(dbConn), tr, appCfg.Request)
	preloader := preload.New(reqClient, tr, appCfg.Preload.Lookahead, appCfg.Preload.SweepDelay.Std())
	defer preloader.Close()

	// Tours
	tours := tour.NewProvider(appCfg.Tours, reqClient)
	if appCfg.Tours.Watch {
		if err := tours.Watch(tourWatchDebounce); err != nil {
			slog.Warn("Tour watcher unavailable, edits need a restart", "dir", appCfg.Tours.Dir, "error", err)
		}
	}
	defer tours.Close()

	// Audio
	out := opts.Output
	if out == nil {
		out = audio.SpeakerOutput()
	}
	element := audio.NewBeepElement(out, preloader, audio.BeepConfig{
		SampleRate:         appCfg.Player.SampleRate,
		FadeIn:             appCfg.Player.FadeIn.Std(),
		TimeUpdateInterval: appCfg.Player.TimeUpdateInterval.Std(),
	})
	engineOpts := audio.Options{
		SkipSeconds: prov.SkipSeconds(ctx),
		Volume:      prov.Volume(ctx),
	}
	var engine *audio.Engine
	if opts.NewEngine != nil {
		engine = opts.NewEngine(element, engineOpts)
		defer engine.Close()
	} else {
		// Once per process: a later run gets the first run's element back
		engine = audio.Shared(func() audio.Element { return element }, engineOpts)
	}

	// Startup Probes
	if err := runProbes(ctx, appCfg, dbConn, element); err != nil {
		return err
	}

	if dbConn != nil {
		ids, err := tours.ListTours()
		if err != nil {
			slog.Warn("Cannot list tours for maintenance", "error", err)
		}
		if err := maintenance.Run(ctx, st, dbConn, ids, appCfg.Preload.AssetTTL.Std()); err != nil {
			slog.Error("Maintenance tasks failed", "error", err)
		}
	}

	// Live updates & OS media controls
	hub := api.NewHub()
	defer hub.Close()
	var surface mediasession.Surface
	if appCfg.MediaSession.Enabled {
		surface = hub
	}
	bridge := mediasession.New(surface, engine, appCfg.MediaSession.Album, appCfg.MediaSession.SyncInterval.Std())

	// Sessions
	sessions := session.NewManager(tours, player.Deps{
		Engine:    engine,
		Config:    prov,
		Progress:  st,
		Prefs:     st,
		Preloader: preloader,
		Bridge:    bridge,
	}, deeplink.NewCoordinator(appCfg.DeepLink.StopParam, appCfg.DeepLink.ScrollDelay.Std()))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sessions.Close(closeCtx)
	}()
	hub.Attach(sessions)
	sessions.OnNotice(hub.Notify)

	go hub.Run(ctx)
	go bridge.Run(ctx)

	openStartupTour(ctx, sessions, prov, opts)

	return runServer(ctx, appCfg, sessions, tours, prov, st, engine, tr, preloader, hub)
}

// initDB opens the database. Failures are logged and leave progress in memory.
func initDB(appCfg *config.Config) (*db.DB, *store.Resilient) {
	dbConn, err := db.Init(appCfg.DB.Path)
	if err != nil {
		slog.Error("Database unavailable, progress will not survive a restart", "path", appCfg.DB.Path, "error", err)
		return nil, store.NewResilient(nil)
	}
	return dbConn, store.NewResilient(store.NewSQLiteStore(dbConn))
}

func assetCache(d *db.DB) cache.Cacher {
	if d == nil {
		return nil
	}
	return cache.NewSQLiteCache(d)
}

func runProbes(ctx context.Context, appCfg *config.Config, dbConn *db.DB, element *audio.BeepElement) error {
	var pinger probe.Pinger
	if dbConn != nil {
		pinger = dbConn
	}
	probes := []probe.Probe{
		probe.Database(pinger),
		probe.ToursDir(appCfg.Tours.Dir),
		probe.AudioOutput(element.InitOutput),
	}

	results := probe.Run(ctx, probes)
	if err := probe.AnalyzeResults(results); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}
	return nil
}

// openStartupTour activates the tour named on the command line and hands the
// launch URL to the deep-link coordinator. Without a tour the URL waits for
// the first activation.
func openStartupTour(ctx context.Context, sessions *session.Manager, prov config.Provider, opts options) {
	if opts.TourID != "" {
		lang := opts.Language
		if lang == "" {
			lang = prov.Language(ctx)
		}
		if _, err := sessions.Activate(ctx, opts.TourID, lang); err != nil {
			slog.Warn("Startup tour unavailable", "tour", opts.TourID, "lang", lang, "error", err)
		}
	}
	if opts.LaunchURL != "" {
		out := sessions.HandleInitialURL(opts.LaunchURL)
		slog.Info("Launch URL handled", "url", opts.LaunchURL, "outcome", out.String())
	}
}

func runServer(ctx context.Context, cfg *config.Config, sessions *session.Manager, tours *tour.Provider, prov config.Provider, st store.PreferenceStore, engine *audio.Engine, tr *tracker.Tracker, preloader *preload.Preloader, hub *api.Hub) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	shutdownFunc := func() { quit <- syscall.SIGTERM }

	srv := api.NewServer(cfg.Server.Address, api.Handlers{
		Session: api.NewSessionHandler(sessions, tours, prov, st),
		Player:  api.NewPlayerHandler(sessions),
		Audio:   api.NewAudioHandler(engine, st),
		Stats:   api.NewStatsHandler(tr, preloader),
		Hub:     hub,
	}, shutdownFunc)

	return runServerLifecycle(ctx, srv, quit)
}

func runServerLifecycle(ctx context.Context, srv *http.Server, quit chan os.Signal) error {
	slog.Info("Starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	select {
	case <-quit:
		slog.Info("Shutting down server...")
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
