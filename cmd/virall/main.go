package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Elias-FSILVA/VirAll/internal/changefeed"
	"github.com/Elias-FSILVA/VirAll/internal/config"
	"github.com/Elias-FSILVA/VirAll/internal/domain"
	httpapi "github.com/Elias-FSILVA/VirAll/internal/http"
	"github.com/Elias-FSILVA/VirAll/internal/objectstore"
	"github.com/Elias-FSILVA/VirAll/internal/observability"
	"github.com/Elias-FSILVA/VirAll/internal/reconcile"
	"github.com/Elias-FSILVA/VirAll/internal/repo"
	"github.com/Elias-FSILVA/VirAll/internal/services"
	"github.com/Elias-FSILVA/VirAll/internal/sysutil"
	"github.com/Elias-FSILVA/VirAll/internal/tokens"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	envFile := flag.String("env", ".env", "Optional dotenv file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("virall %s (%s)\n", version, commit)
		return
	}

	// A missing dotenv file is fine; the environment may already be set.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg := config.MustLoad()
	log := sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("virall stopped")
	}
}

func openBus(ctx context.Context, cfg config.BusConfig) (changefeed.Bus, error) {
	switch cfg.Driver {
	case "nats":
		return changefeed.DialNATS(cfg.NATSURL, "virall")
	case "redis":
		b := changefeed.NewRedisBus(cfg.RedisAddr)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := b.Ping(pctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return b, nil
	default:
		return changefeed.NewMemoryBus(), nil
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Storage.EphemeralSecret {
		log.Warn().Msg("TOKEN_SECRET not set; attachment links will not survive a restart")
	}
	gin.SetMode(cfg.GinMode)

	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver, log.With().Str("component", "otel").Logger())
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.Target())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	db = repo.WithQueryLog(db, log.With().Str("component", "db").Logger(), cfg.DB.SlowQuery)

	bus, err := openBus(ctx, cfg.Bus)
	if err != nil {
		return fmt.Errorf("change bus: %w", err)
	}
	defer bus.Close()

	backend := repo.NewBackend(db, changefeed.NewPublisher(bus, cfg.Bus.Prefix), log.With().Str("component", "backend").Logger())

	files, err := objectstore.New(cfg.Storage.Dir, cfg.Storage.Bucket, cfg.Storage.FilesBaseURL, []byte(cfg.Storage.TokenSecret))
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	cache := tokens.NewCache(files, tokens.Options{
		TTL:         cfg.Storage.TokenTTL,
		RefreshSkew: cfg.Storage.TokenRefreshSkew,
		Concurrency: cfg.Storage.TokenConcurrency,
	})
	engine := reconcile.New(reconcile.Options{
		Loader:         backend,
		Tokens:         cache,
		Logger:         log.With().Str("component", "reconcile").Logger(),
		TombstoneLimit: cfg.Feed.TombstoneLimit,
	})

	svc := &services.FeedService{
		Backend:         backend,
		Files:           files,
		Engine:          engine,
		Tokens:          cache,
		MaxCommentRunes: cfg.Feed.MaxCommentRunes,
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{Feed: svc, Watcher: engine, Files: files}, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	sub, err := changefeed.NewAdapter(bus, cfg.Bus.Prefix, log.With().Str("component", "changefeed").Logger()).
		Subscribe(gctx, func(ev domain.ChangeEvent) { engine.Dispatch(ev) })
	if err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	// Events missed while the bus was down are recovered by a full reload.
	bus.OnReconnect(func() {
		rctx, cancel := context.WithTimeout(gctx, 30*time.Second)
		defer cancel()
		if err := engine.Resync(rctx); err != nil {
			log.Warn().Err(err).Msg("resync after reconnect")
		}
	})
	if err := svc.Load(gctx); err != nil {
		log.Warn().Err(err).Msg("initial feed load")
	}

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", ver).Str("db", cfg.DB.Driver).Str("bus", cfg.Bus.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
