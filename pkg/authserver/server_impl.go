// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/stacklok/tenantauth/pkg/authserver/server/authorization"
	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/server/handlers"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/server/registration"
	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/edge/quota"
	"github.com/stacklok/tenantauth/pkg/edge/validation"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/telemetry"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// server is the internal implementation of the Server interface.
type server struct {
	handler   http.Handler
	storage   storage.Storage
	validator *validation.Validator
	apiKeys   *quota.Middleware
	metrics   *telemetry.Metrics
}

// serverOption configures the server during construction.
type serverOption func(*serverOptions)

// serverOptions holds optional configuration for server creation.
type serverOptions struct {
	clock      func() time.Time
	metrics    *telemetry.Metrics
	httpClient *http.Client
}

// withClock overrides the time source of token issuance and validation.
// This is intended for testing and is not part of the public API.
func withClock(now func() time.Time) serverOption {
	return func(o *serverOptions) {
		o.clock = now
	}
}

// withHTTPClient sets the client used to fetch remote key sets.
func withHTTPClient(client *http.Client) serverOption {
	return func(o *serverOptions) {
		o.httpClient = client
	}
}

// newServer creates a new authorization server.
// The opts parameter allows injecting dependencies for testing.
func newServer(ctx context.Context, cfg Config, stor storage.Storage, opts ...serverOption) (*server, error) {
	logger.Debug("initializing authorization server")

	options := &serverOptions{clock: time.Now, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(options)
	}
	if options.metrics == nil {
		options.metrics = telemetry.NewMetrics()
	}
	metrics := options.metrics

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if stor == nil {
		return nil, errors.New("storage is required")
	}
	bounded := storage.WithOperationTimeout(stor, cfg.StorageOperationTimeout)

	sealer, err := servercrypto.NewSealer(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create sealer: %w", err)
	}

	keyStore, err := keys.NewStore(bounded, sealer, keys.Config{
		RSABits:   cfg.RSABits,
		Retention: cfg.KeyRetention,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create key store: %w", err)
	}

	issuer, err := token.NewIssuer(keyStore, bounded, token.Config{
		BaseIssuer:      cfg.BaseIssuer,
		Audience:        cfg.Audience,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	}, token.WithMetrics(metrics), token.WithClock(options.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	registry, err := registration.NewRegistry(bounded, keyStore, sealer, registration.Config{
		DefaultProvider: cfg.DefaultProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client registry: %w", err)
	}
	for _, provider := range cfg.PlatformProviders {
		if _, err := registry.SetProviderConfig(ctx, "", provider); err != nil {
			return nil, fmt.Errorf("failed to store platform provider %q: %w", provider.Provider, err)
		}
	}

	authz, err := authorization.NewService(authorization.Config{CodeTTL: cfg.CodeTTL},
		bounded, registry, keyStore, issuer, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization service: %w", err)
	}

	var fetcher validation.KeySetFetcher = validation.NewLocalKeySets(keyStore, cfg.PlatformTenant)
	if cfg.Validation.KeySource == KeySourceRemote {
		remote, err := validation.NewRemoteKeySets(ctx, options.httpClient, cfg.Validation.FetchTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote key sets: %w", err)
		}
		fetcher = remote
	}

	validator, err := validation.NewValidator(validation.Config{
		Policy: validation.IssuerPolicy{
			BaseIssuer:        cfg.BaseIssuer,
			SuperTenantIssuer: cfg.SuperTenantIssuer,
		},
		Audience:        cfg.Audience,
		CacheTTL:        cfg.Validation.CacheTTL,
		MaxIssuers:      cfg.Validation.MaxIssuers,
		CleanupInterval: cfg.Validation.CleanupInterval,
		RefreshInterval: cfg.Validation.RefreshInterval,
	}, fetcher, metrics, validation.WithClock(options.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}
	keyStore.OnKeysChanged(validator.InvalidateTenant)

	apiKeys := quota.NewAuthenticator(bounded, cfg.Quota.DefaultLimits)
	limiter, err := quota.NewLimiter(bounded, bounded, metrics)
	if err != nil {
		validator.Close()
		return nil, fmt.Errorf("failed to create quota limiter: %w", err)
	}

	resolver := tenant.NewResolver(bounded, cfg.Tenancy, metrics)
	handlerInstance, err := handlers.NewHandler(handlers.Dependencies{
		Resolver:      resolver,
		Keys:          keyStore,
		Issuer:        issuer,
		Authorization: authz,
		Registry:      registry,
		Users:         bounded,
		Validator:     validator,
		APIKeys:       apiKeys,
	})
	if err != nil {
		validator.Close()
		return nil, fmt.Errorf("failed to create handlers: %w", err)
	}

	srv := &server{
		storage:   stor,
		validator: validator,
		apiKeys: quota.NewMiddleware(apiKeys, limiter, quota.MiddlewareConfig{
			FailureRate:  rate.Limit(cfg.Quota.FailureRate),
			FailureBurst: cfg.Quota.FailureBurst,
		}),
		metrics: metrics,
	}
	srv.handler = srv.routes(cfg, bounded, handlerInstance, limiter)

	logger.Infow("authorization server initialized",
		"base_issuer", cfg.BaseIssuer,
		"super_tenant_issuer", cfg.SuperTenantIssuer,
		"platform_providers", len(cfg.PlatformProviders),
	)
	return srv, nil
}

// Handler returns the HTTP handler that serves all endpoints.
func (s *server) Handler() http.Handler {
	return s.handler
}

// APIKeyMiddleware returns the API key authentication and quota middleware.
func (s *server) APIKeyMiddleware() func(http.Handler) http.Handler {
	return s.apiKeys.Handler
}

// Metrics returns the server's metrics.
func (s *server) Metrics() *telemetry.Metrics {
	return s.metrics
}

// Close releases resources held by the server.
func (s *server) Close() error {
	logger.Debug("closing authorization server")
	s.validator.Close()
	return s.storage.Close()
}
