package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/holesch/not-my-board/internal/agent"
	"github.com/holesch/not-my-board/internal/authn"
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

// importerRoles is passed to the background refresh loop in place of a
// real permission check: role loss is the hub's call to make, since only
// the hub holds the permission rules a token is matched against.
func importerRoles(map[string]interface{}) map[string]bool {
	return map[string]bool{}
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "not-my-board.sock")
	}
	return "/tmp/not-my-board.sock"
}

func main() {
	hubURL := flag.String("hub", getEnv("NOT_MY_BOARD_HUB_URL", ""), "hub base URL, e.g. http://hub.example.com:2092")
	storePath := flag.String("token-store", getEnv("NOT_MY_BOARD_TOKEN_STORE", authn.DefaultStorePath), "path to the persisted token store")
	socketPath := flag.String("socket", getEnv("NOT_MY_BOARD_SOCKET", defaultSocketPath()), "path to the local control socket")
	flag.Parse()

	if *hubURL == "" {
		log.Fatal("-hub (or NOT_MY_BOARD_HUB_URL) is required")
	}

	logger.Initialize("agent", getEnv("NOT_MY_BOARD_LOG_LEVEL", "info"), getEnv("NOT_MY_BOARD_LOG_PRETTY", "") == "true")
	logg := logger.Agent()

	kernel := usbip.NewOSKernelOps()
	topology, err := usbip.DetectVHCITopology(usbip.DefaultVHCIPlatformDir)
	if err != nil {
		logg.Fatal().Err(err).Msg("detecting vhci_hcd topology")
	}

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

	ag := agent.New(client, *hubURL, kernel, topology, store, tokens)
	if err := ag.Connect(ctx); err != nil {
		logg.Fatal().Err(err).Msg("connecting to hub")
	}

	rpcServer, err := agent.NewRPCServer(ag, *socketPath)
	if err != nil {
		logg.Fatal().Err(err).Msg("starting local control socket")
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
		return ag.Serve(ctx)
	})
	group.Go(func(ctx context.Context) error {
		return rpcServer.Serve(ctx)
	})
	group.Go(func(ctx context.Context) error {
		return ag.RunRefresh(ctx, refresher, claims, importerRoles)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error().Err(err).Msg("agent stopped")
		os.Exit(1)
	}
}
