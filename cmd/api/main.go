package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/signalix/devicegate/internal/ack"
	"github.com/signalix/devicegate/internal/auth"
	"github.com/signalix/devicegate/internal/cache"
	"github.com/signalix/devicegate/internal/clock"
	"github.com/signalix/devicegate/internal/config"
	"github.com/signalix/devicegate/internal/db"
	"github.com/signalix/devicegate/internal/device"
	"github.com/signalix/devicegate/internal/dispatch"
	"github.com/signalix/devicegate/internal/gateway"
	httphandler "github.com/signalix/devicegate/internal/http"
	"github.com/signalix/devicegate/internal/http/handlers"
	"github.com/signalix/devicegate/internal/logging"
	"github.com/signalix/devicegate/internal/middleware"
	"github.com/signalix/devicegate/internal/observer"
	"github.com/signalix/devicegate/internal/repo"
	"github.com/signalix/devicegate/internal/session"
	"github.com/signalix/devicegate/internal/wsconn"
)

func main() {
	// Env vars override .env
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log, closer := logging.New(cfg.Log)
	defer closer.Close()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("server exited")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return err
	}

	t := cfg.Timing
	clk := clock.Real()

	deviceRepo := repo.NewDeviceRepo(database)
	messageRepo := repo.NewMessageRepo(database)
	commandRepo := repo.NewCommandRepo(database)

	rateLimit := cache.NewWindow(t.RegistrationWindow, t.SweepRetentionFactor, clk)
	dedup := cache.NewWindow(t.DedupWindow, t.SweepRetentionFactor, clk)
	loginLimiter := middleware.NewRateLimiter(t.LoginRateWindow, t.LoginRateLimit, clk)

	connCfg := wsconn.Config{
		WriteWait:      t.WriteWait,
		PongWait:       t.PongWait,
		MaxMessageSize: t.MaxMessageSize,
		SendBuffer:     wsconn.DefaultConfig().SendBuffer,
	}
	upgrader := wsconn.NewUpgrader(cfg.AllowedOrigins)

	hub := observer.NewHub(upgrader, connCfg, log)
	registry := session.NewRegistry(session.Options{VerifyDelay: t.VerifyDelay, Clock: clk, Logger: log})
	engine := dispatch.NewEngine(commandRepo, deviceRepo, registry, hub, clk, dispatch.Config{
		ReplayLimit:  t.ReplayLimit,
		ReplayPacing: t.ReplayPacing,
		HistoryLimit: t.HistoryLimit,
	}, log)
	correlator := ack.NewCorrelator(commandRepo, messageRepo, hub, clk, log)
	devices := device.NewService(deviceRepo, messageRepo, rateLimit, dedup, hub, clk, log)
	gw := gateway.NewServer(upgrader, gateway.Config{Conn: connCfg, PingInterval: t.PingInterval},
		registry, devices, engine, correlator, log)

	jwtService := auth.NewJWTService(cfg.JWTSecret)
	admin := auth.NewAdminService(jwtService, cfg.AdminUser,
		auth.Secret{Plain: cfg.AdminPassword, Hash: cfg.AdminPasswordHash},
		auth.Secret{Plain: cfg.DeletePassword, Hash: cfg.DeletePasswordHash})

	router := httphandler.NewRouter(httphandler.Routes{
		Admin:          handlers.NewAdminHandler(admin, log),
		Devices:        handlers.NewDeviceHandler(devices, admin, log),
		Commands:       handlers.NewCommandHandler(engine, clk, log),
		Health:         handlers.NewHealthHandler(devices, registry.Devices, hub.Len, clk, log),
		DeviceSocket:   gw.Handler(),
		ObserverSocket: hub.Handler(middleware.AuthorizeQueryToken(jwtService)),
	}, jwtService, loginLimiter, log)

	// No write timeout: websocket connections are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return rateLimit.Run(gctx, t.SweepInterval, "registration", log) })
	g.Go(func() error { return dedup.Run(gctx, t.SweepInterval, "dedup", log) })
	g.Go(func() error { return loginLimiter.Run(gctx, t.SweepInterval) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
