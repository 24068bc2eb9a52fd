package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/holesch/not-my-board/internal/authn"
	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/exporter"
	"github.com/holesch/not-my-board/internal/httpclient"
	"github.com/holesch/not-my-board/internal/logger"
	"github.com/holesch/not-my-board/internal/supervisor"
	"github.com/holesch/not-my-board/internal/usbip"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// exporterRoles is passed to the background refresh loop in place of a
// real permission check: role loss is the hub's call to make, since only
// the hub holds the permission rules a token is matched against. The
// exporter only has to keep its own token non-expired for the next time
// the hub pulls it via get_id_token.
func exporterRoles(map[string]interface{}) map[string]bool {
	return map[string]bool{}
}

func main() {
	descPath := flag.String("export", getEnv("NOT_MY_BOARD_EXPORT", "/etc/not-my-board/export.toml"), "export description TOML file")
	hubURL := flag.String("hub", getEnv("NOT_MY_BOARD_HUB_URL", ""), "hub base URL, e.g. http://hub.example.com:2092")
	storePath := flag.String("token-store", getEnv("NOT_MY_BOARD_TOKEN_STORE", authn.DefaultStorePath), "path to the persisted token store")
	flag.Parse()

	if *hubURL == "" {
		log.Fatal("-hub (or NOT_MY_BOARD_HUB_URL) is required")
	}

	logger.Initialize("exporter", getEnv("NOT_MY_BOARD_LOG_LEVEL", "info"), getEnv("NOT_MY_BOARD_LOG_PRETTY", "") == "true")
	logg := logger.Exporter()

	desc, err := config.LoadExportDescription(*descPath)
	if err != nil {
		logg.Fatal().Err(err).Msg("loading export description")
	}

	kernel := usbip.NewOSKernelOps()
	store := authn.NewStore(*storePath)
	client, err := httpclient.New(nil)
	if err != nil {
		logg.Fatal().Err(err).Msg("building HTTP client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens, err := store.Get(ctx, *hubURL)
	if err != nil {
		logg.Fatal().Err(err).Msg("reading token store")
	}
	if tokens == nil {
		logg.Info().Msg("no stored credentials, starting login")
		tokens, err = authn.Login(ctx, client, *hubURL, store, nil)
		if err != nil {
			logg.Fatal().Err(err).Msg("login failed")
		}
	}

	var info authn.HubAuthInfo
	if err := client.GetJSON(ctx, *hubURL+"/api/v1/auth-info", &info, nil); err != nil {
		logg.Fatal().Err(err).Msg("fetching auth info from hub")
	}
	auth, err := authn.NewAuthenticator(ctx, authn.Config{Issuer: info.Issuer, ClientID: info.ClientID})
	if err != nil {
		logg.Fatal().Err(err).Msg("initializing authenticator")
	}
	idToken, err := auth.Verify(ctx, tokens.IDToken)
	if err != nil {
		logg.Fatal().Err(err).Msg("verifying stored ID token")
	}
	claims, err := authn.Claims(idToken)
	if err != nil {
		logg.Fatal().Err(err).Msg("parsing stored ID token claims")
	}

	exp, err := exporter.New(desc, kernel, store, tokens, client, *hubURL)
	if err != nil {
		logg.Fatal().Err(err).Msg("initializing exporter")
	}

	refresher := authn.NewRefresher(auth, 0, 0)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logg.Info().Msg("shutting down")
		cancel()
	}()

	group, _ := supervisor.New(ctx)
	group.Go(func(ctx context.Context) error {
		return exp.ServeProxy(ctx)
	})
	group.Go(func(ctx context.Context) error {
		if _, err := exp.Register(ctx); err != nil {
			return err
		}
		return exp.Serve(ctx)
	})
	group.Go(func(ctx context.Context) error {
		return exp.RunRefresh(ctx, refresher, claims, exporterRoles)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error().Err(err).Msg("exporter stopped")
		os.Exit(1)
	}
}
