package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holesch/not-my-board/internal/authn"
	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/hub"
	"github.com/holesch/not-my-board/internal/logger"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("NOT_MY_BOARD_HUB_CONFIG", "/etc/not-my-board/hub.toml"), "hub config TOML file")
	addr := flag.String("listen", getEnv("NOT_MY_BOARD_HUB_LISTEN", ":2092"), "address to listen on")
	flag.Parse()

	cfg, err := config.LoadHubConfig(*configPath)
	if err != nil {
		log.Fatalf("loading hub config: %v", err)
	}

	logger.Initialize("hub", cfg.LogLevel, getEnv("NOT_MY_BOARD_LOG_PRETTY", "") == "true")
	log := logger.Hub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var verifier *authn.Authenticator
	if cfg.Auth != nil {
		verifier, err = authn.NewAuthenticator(ctx, authn.Config{
			Issuer:   cfg.Auth.Issuer,
			ClientID: cfg.Auth.ClientID,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("initializing authenticator")
		}
	} else {
		log.Warn().Msg("no auth configured, every connection is granted every role")
	}

	h := hub.New(cfg.Auth, verifier)
	server := hub.NewServer(h)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Msg("hub listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("hub server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
}
