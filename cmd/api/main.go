package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"nanoedit/internal/db"
	"nanoedit/internal/http/handlers"
	httpapi "nanoedit/internal/http/httpapi"
	"nanoedit/internal/infra"
	"nanoedit/internal/infra/geoip"
	"nanoedit/internal/middleware"
	"nanoedit/internal/providers/imgbb"
	"nanoedit/internal/providers/kie"
	"nanoedit/internal/task"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip unavailable, request logs will omit country")
	}
	var lookup middleware.CountryLookup
	if resolver != nil {
		lookup = resolver.CountryCode
	}

	outbound, err := infra.NewOutboundHTTPClient(cfg.OutboundProxyURL, 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure outbound http client")
	}

	kieClient, err := kie.NewClient(kie.Options{
		APIKey:     cfg.KieAPIKey,
		BaseURL:    cfg.KieBaseURL,
		HTTPClient: outbound,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure kie client")
	}
	imgbbClient, err := imgbb.NewClient(imgbb.Options{
		APIKey:     cfg.ImgBBAPIKey,
		BaseURL:    cfg.ImgBBBaseURL,
		HTTPClient: outbound,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure imgbb client")
	}

	queries := db.New(dbpool)
	orch := task.NewOrchestrator(queries, logger)
	app := handlers.NewApp(cfg, logger, queries, orch, kieClient, imgbbClient)

	router := httpapi.NewRouter(app, httpapi.Options{
		SessionSecret:   cfg.SessionSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CountryLookup:   lookup,
		AllowedOrigins:  cfg.AllowedOrigins,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Msg("api server listening")
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
