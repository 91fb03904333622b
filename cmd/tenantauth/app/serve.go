// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/stacklok/tenantauth/pkg/authserver"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/telemetry"
	"github.com/stacklok/tenantauth/pkg/versions"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the multi-tenant authorization server. The server exposes the
per-tenant OAuth 2.0 endpoints, the discovery and JWKS documents, the
administration API and the internal edge endpoints used for token
validation and API key quota checks.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	serverCfg, err := cfg.AuthServerConfig()
	if err != nil {
		return err
	}

	tracingCfg, err := cfg.TracingConfig(versions.Version)
	if err != nil {
		return err
	}
	_, shutdownTracing, err := telemetry.NewTracerProviderWithShutdown(ctx, tracingCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warnw("failed to flush traces", "error", err)
		}
	}()

	stor, err := storage.New(ctx, cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	srv, err := authserver.New(ctx, serverCfg, stor)
	if err != nil {
		_ = stor.Close()
		return fmt.Errorf("failed to create authorization server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnw("failed to close authorization server", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("server listening",
			"address", cfg.Server.Address,
			"issuer", serverCfg.BaseIssuer,
			"storage", cfg.Storage.Type,
			"version", versions.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infow("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("server forced to shutdown", "error", err)
		return err
	}
	logger.Infow("server shutdown complete")
	return nil
}
