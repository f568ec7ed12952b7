package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldcrm/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fieldcrm: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rt, err := app.Build(app.Options{LoadDotEnv: true, RunMigrations: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.Logger.Error("close_runtime_failed", map[string]any{"error": err.Error()})
		}
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", rt.Config.Port),
		Handler:           rt.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.Logger.Info("server_start", map[string]any{"addr": server.Addr, "env": rt.Config.Env})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	rt.Logger.Info("server_shutdown", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
