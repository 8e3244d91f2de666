// Command keyserver runs a single committee member. It holds one
// X25519 keypair and releases wrapped key shares after simulating the
// caller's approval transaction against the ledger.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"memvault.org/internal/keyserver"
	"memvault.org/internal/ledger"
	"memvault.org/internal/ledger/remote"
	"memvault.org/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "keyserver:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		name      = flag.String("name", "ks-1", "committee member name")
		addr      = flag.String("addr", ":8081", "listen address")
		keyPath   = flag.String("key", "data/keyserver.key", "path to the X25519 private key file")
		ledgerURL = flag.String("ledger-url", "", "ledger full node url (empty runs an embedded ledger)")
		contract  = flag.String("contract", "", "access contract address, required with an embedded ledger")
		env       = flag.String("env", "development", "environment name")
		rps       = flag.Float64("rate-limit", 100, "share requests per second")
	)
	flag.Parse()

	logger, err := obs.NewLogger(*env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	priv, err := keyserver.LoadOrCreateKey(*keyPath)
	if err != nil {
		return err
	}

	var lc ledger.Client
	if *ledgerURL != "" {
		lc, err = remote.New(*ledgerURL, remote.WithLogger(logger))
		if err != nil {
			return err
		}
	} else {
		if *contract == "" {
			return errors.New("-contract is required with the embedded ledger")
		}
		logger.Warn("no ledger url configured, using embedded in-memory ledger")
		lc = ledger.NewMemory(*contract)
	}

	srv, err := keyserver.NewServer(*name, priv, lc, keyserver.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("keyserver starting",
		zap.String("name", *name),
		zap.String("addr", *addr),
		zap.String("public_key", hex.EncodeToString(srv.PublicKey())),
		zap.String("version", version))

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           keyserver.Router(srv, logger, rate.Limit(*rps)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
