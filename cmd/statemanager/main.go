// Command statemanager runs the distributed-workflow state manager as
// a standalone HTTP service: load settings, wire storage, start the
// control surface, and wait for SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danshapiro/exostate/internal/config"
	"github.com/danshapiro/exostate/internal/docstore"
	"github.com/danshapiro/exostate/internal/httpapi"
	"github.com/danshapiro/exostate/internal/secretenvelope"
)

// signalCancelContext returns a context cancelled on SIGINT/SIGTERM,
// the same shutdown trigger the teacher's own CLI entrypoint uses.
func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	store := docstore.NewMemory()

	var encrypter *secretenvelope.Encrypter
	if cfg.SecretsEncryptionKey != "" {
		encrypter, err = secretenvelope.NewEncrypterFromEnv(cfg.SecretsEncryptionKey)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	srv := httpapi.New(cfg, store, encrypter)
	srv.StartSweeper(30*time.Second, sweeperDeadline())

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	addr := ":" + getenvDefault("PORT", "8080")
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case <-ctx.Done():
		srv.Shutdown()
		<-errCh
	case err := <-errCh:
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

// sweeperDeadline reads the optional lease-expiry window (DESIGN.md
// open question 2); zero disables the sweeper.
func sweeperDeadline() time.Duration {
	raw := os.Getenv("STATE_MANAGER_LEASE_DEADLINE")
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
