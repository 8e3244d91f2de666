// Command api runs the access-control service: session handshake,
// threshold encrypt/decrypt, and permission management over HTTP.
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

	"go.uber.org/zap"

	"memvault.org/internal/audit"
	"memvault.org/internal/blob"
	"memvault.org/internal/config"
	"memvault.org/internal/gateway"
	"memvault.org/internal/httpapi"
	"memvault.org/internal/keyserver"
	"memvault.org/internal/ledger"
	"memvault.org/internal/ledger/remote"
	"memvault.org/internal/obs"
	"memvault.org/internal/registry"
	"memvault.org/internal/seal"
	"memvault.org/internal/session"
	"memvault.org/internal/stream"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Contract == "" {
		return errors.New("contract address is required (MEMVAULT_CONTRACT)")
	}

	logger, err := obs.NewLogger(cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger: remote full node, or the embedded one for development.
	var lc ledger.Client
	if cfg.LedgerURL != "" {
		lc, err = remote.New(cfg.LedgerURL, remote.WithLogger(logger))
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no ledger url configured, using embedded in-memory ledger")
		lc = ledger.NewMemory(cfg.Contract)
	}

	sources, err := buildSources(cfg, lc, logger)
	if err != nil {
		return err
	}

	store := session.NewStore()
	sessions := session.NewManager(store,
		session.WithDefaultTTL(cfg.SessionTTL),
		session.WithLogger(logger))
	store.StartSweeper(ctx, cfg.SweepInterval, logger)

	blobStore, closeBlob, err := buildBlobStore(cfg)
	if err != nil {
		return err
	}
	if closeBlob != nil {
		defer closeBlob()
	}

	hub := stream.NewHub(logger)
	defer hub.Close()
	recorders := audit.Multi{audit.NewLogger(logger), hub}
	if cfg.PostgresDSN != "" {
		pg, err := audit.OpenPG(cfg.PostgresDSN, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		recorders = append(recorders, pg)
	}

	gwOpts := []gateway.Option{
		gateway.WithOpenMode(cfg.Open()),
		gateway.WithEscrow(cfg.Escrow),
		gateway.WithDecryptTimeout(cfg.DecryptTimeout),
		gateway.WithAudit(recorders),
		gateway.WithLogger(logger),
	}
	if blobStore != nil {
		gwOpts = append(gwOpts, gateway.WithBlobStore(blobStore))
	}
	gw, err := gateway.New(sources, sessions, cfg.Contract, gwOpts...)
	if err != nil {
		return err
	}
	reg := registry.New(lc,
		registry.WithLogger(logger),
		registry.WithAudit(recorders))

	api := httpapi.New(gw, reg, logger,
		httpapi.WithHub(hub),
		httpapi.WithAudit(recorders),
		httpapi.WithRateLimit(cfg.RateLimit))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("mode", cfg.Mode),
			zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildSources assembles the committee: remote HTTP servers from
// config, or three in-process servers when none are configured.
func buildSources(cfg config.Config, lc ledger.Client, logger *zap.Logger) ([]keyserver.ShareSource, error) {
	if len(cfg.KeyServers) == 0 {
		logger.Warn("no key servers configured, starting embedded committee of three")
		var sources []keyserver.ShareSource
		for _, name := range []string{"local-a", "local-b", "local-c"} {
			priv, _, err := seal.GenerateServerKey()
			if err != nil {
				return nil, err
			}
			srv, err := keyserver.NewServer(name, priv, lc, keyserver.WithLogger(logger))
			if err != nil {
				return nil, err
			}
			sources = append(sources, keyserver.Local{Server: srv})
		}
		return sources, nil
	}

	var sources []keyserver.ShareSource
	for _, ks := range cfg.KeyServers {
		pub, err := keyserver.ParsePublicKey(ks.PublicKey)
		if err != nil {
			return nil, err
		}
		client, err := keyserver.NewHTTPClient(ks.Name, ks.URL, pub, cfg.DecryptTimeout)
		if err != nil {
			return nil, err
		}
		sources = append(sources, client)
	}
	return sources, nil
}

func buildBlobStore(cfg config.Config) (blob.Store, func(), error) {
	switch cfg.BlobBackend {
	case "badger":
		store, err := blob.OpenBadger(cfg.BlobDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "http":
		store, err := blob.NewHTTPStore(cfg.BlobURL, 30*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, nil
	}
}
