// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/retry"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// DefaultProvider is the built-in login provider every tenant offers.
const DefaultProvider = "tenantauth-sso"

// Storage is the storage the registry needs.
type Storage interface {
	storage.ClientStorage
	storage.UserStorage
	RevokeTenantTokens(ctx context.Context, tenantID string) error
}

// KeyDeactivator retires a tenant's signing keys.
type KeyDeactivator interface {
	Deactivate(ctx context.Context, tenantID string) error
}

// Config configures a Registry.
type Config struct {
	// DefaultProvider is always offered by tenant discovery. Defaults to
	// DefaultProvider.
	DefaultProvider string
}

// ProviderClient is the resolved client configuration of an external identity
// provider, with its secret decrypted.
type ProviderClient struct {
	TenantID     string
	Provider     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// PlatformDefault is set when no tenant-specific config exists.
	PlatformDefault bool
}

// ProviderSettings is the admin input of SetProviderConfig.
type ProviderSettings struct {
	Provider     string   `json:"provider" yaml:"provider" mapstructure:"provider"`
	ClientID     string   `json:"client_id" yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty" mapstructure:"client_secret"`
	RedirectURI  string   `json:"redirect_uri" yaml:"redirect_uri" mapstructure:"redirect_uri"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty" mapstructure:"scopes"`
	Active       bool     `json:"active" yaml:"active" mapstructure:"active"`
}

// Discovery is the answer to "which tenant does this email belong to".
type Discovery struct {
	Email               string   `json:"email"`
	HasExistingAccounts bool     `json:"has_existing_accounts"`
	TenantID            string   `json:"tenant_id,omitempty"`
	AuthProviders       []string `json:"auth_providers,omitempty"`
}

// Registry manages tenant clients and identity provider configuration.
type Registry struct {
	storage    Storage
	keys       KeyDeactivator
	sealer     *servercrypto.Sealer
	cfg        Config
	readPolicy retry.Policy
	now        func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(st Storage, keys KeyDeactivator, sealer *servercrypto.Sealer, cfg Config) (*Registry, error) {
	if st == nil || keys == nil || sealer == nil {
		return nil, errors.New("storage, key deactivator and sealer are required")
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = DefaultProvider
	}
	policy := retry.DefaultPolicy()
	policy.Permanent = storage.IsDomainOutcome
	return &Registry{
		storage:    st,
		keys:       keys,
		sealer:     sealer,
		cfg:        cfg,
		readPolicy: policy,
		now:        time.Now,
	}, nil
}

// ResolveProvider returns the client configuration of provider for the
// tenant in ctx: the tenant's own active config first, then the platform
// default. The tenant must be in ctx.
func (r *Registry) ResolveProvider(ctx context.Context, provider string) (*ProviderClient, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	provider = normalizeProvider(provider)
	if provider == "" {
		return nil, taerrors.NewInvalidArgumentError("provider is required", nil)
	}

	for _, scope := range []string{tenantID, ""} {
		cfg, err := retry.Read(ctx, r.readPolicy, "get_provider_config", func(ctx context.Context) (*storage.ProviderConfig, error) {
			return r.storage.GetProviderConfig(ctx, scope, provider)
		})
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, taerrors.NewInternalError("failed to load provider config", err)
		}
		if !cfg.Active {
			continue
		}
		return r.open(tenantID, cfg)
	}

	logger.Debugw("no client configuration for provider", "tenant_id", tenantID, "provider", provider)
	return nil, taerrors.NewClientConfigurationMissingError(
		fmt.Sprintf("no client configuration for provider %q", provider), nil)
}

// Client returns a client registered under tenantID. A client of another
// tenant is reported exactly like an unknown one.
func (r *Registry) Client(ctx context.Context, tenantID, clientID string) (*storage.RegisteredClient, error) {
	if clientID == "" {
		return nil, taerrors.NewInvalidClientError("client_id is required", nil)
	}
	client, err := retry.Read(ctx, r.readPolicy, "get_client", func(ctx context.Context) (*storage.RegisteredClient, error) {
		return r.storage.GetClient(ctx, clientID)
	})
	if errors.Is(err, storage.ErrNotFound) || (err == nil && client.TenantID != tenantID) {
		return nil, taerrors.NewInvalidClientError("unknown client", nil)
	}
	if err != nil {
		return nil, taerrors.NewInternalError("failed to load client", err)
	}
	return client, nil
}

// RegisterClient registers a new client under tenantID.
func (r *Registry) RegisterClient(ctx context.Context, tenantID string, req *ClientRegistration) (*storage.RegisteredClient, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return nil, err
	}
	validated, regErr := ValidateRegistration(req)
	if regErr != nil {
		return nil, taerrors.NewInvalidArgumentError(regErr.Description, regErr)
	}

	client := &storage.RegisteredClient{
		ClientID:  uuid.NewString(),
		TenantID:  tenantID,
		CreatedAt: r.now().UTC(),
	}
	applyRegistration(client, validated)
	if err := r.storage.CreateClient(ctx, client); err != nil {
		return nil, taerrors.NewInternalError("failed to store client", err)
	}
	logger.Infow("client registered", "tenant_id", tenantID, "client_id", client.ClientID)
	return client, nil
}

// UpdateClient replaces the configuration of an existing client. The client
// ID and owning tenant never change.
func (r *Registry) UpdateClient(ctx context.Context, tenantID, clientID string, req *ClientRegistration) (*storage.RegisteredClient, error) {
	client, err := r.Client(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	validated, regErr := ValidateRegistration(req)
	if regErr != nil {
		return nil, taerrors.NewInvalidArgumentError(regErr.Description, regErr)
	}

	applyRegistration(client, validated)
	if err := r.storage.UpdateClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, taerrors.NewInvalidClientError("unknown client", nil)
		}
		return nil, taerrors.NewInternalError("failed to update client", err)
	}
	logger.Infow("client updated", "tenant_id", tenantID, "client_id", clientID)
	return client, nil
}

// SetProviderConfig creates or replaces the provider configuration of
// tenantID. An empty tenantID sets the platform default. The client secret
// is sealed before it is stored.
func (r *Registry) SetProviderConfig(ctx context.Context, tenantID string, settings ProviderSettings) (*storage.ProviderConfig, error) {
	if tenantID != "" {
		if err := tenant.ValidateID(tenantID); err != nil {
			return nil, err
		}
	}
	provider := normalizeProvider(settings.Provider)
	switch {
	case provider == "":
		return nil, taerrors.NewInvalidArgumentError("provider is required", nil)
	case settings.ClientID == "":
		return nil, taerrors.NewInvalidArgumentError("client_id is required", nil)
	}
	if settings.RedirectURI != "" {
		if regErr := ValidateRedirectURI(settings.RedirectURI); regErr != nil {
			return nil, taerrors.NewInvalidArgumentError(regErr.Description, regErr)
		}
	}

	cfg := &storage.ProviderConfig{
		TenantID:    tenantID,
		Provider:    provider,
		ClientID:    settings.ClientID,
		RedirectURI: settings.RedirectURI,
		Scopes:      slices.Clone(settings.Scopes),
		Active:      settings.Active,
	}
	if settings.ClientSecret != "" {
		sealed, err := r.sealer.Seal(tenantID, []byte(settings.ClientSecret))
		if err != nil {
			return nil, taerrors.NewKeyStoreFailureError("failed to seal client secret", err)
		}
		cfg.EncryptedClientSecret = sealed
	}
	if err := r.storage.SetProviderConfig(ctx, cfg); err != nil {
		return nil, taerrors.NewInternalError("failed to store provider config", err)
	}
	logger.Infow("provider config set", "tenant_id", tenantID, "provider", provider, "active", settings.Active)
	return cfg, nil
}

// DeleteTenant removes the tenant's clients and provider configs, revokes
// its tokens and deactivates its signing keys. Every step runs even when an
// earlier one fails.
func (r *Registry) DeleteTenant(ctx context.Context, tenantID string) error {
	if err := tenant.ValidateID(tenantID); err != nil {
		return err
	}
	var errs []error
	if err := r.storage.DeleteTenantClients(ctx, tenantID); err != nil {
		errs = append(errs, fmt.Errorf("delete clients: %w", err))
	}
	if err := r.storage.RevokeTenantTokens(ctx, tenantID); err != nil {
		errs = append(errs, fmt.Errorf("revoke tokens: %w", err))
	}
	if err := r.keys.Deactivate(ctx, tenantID); err != nil {
		errs = append(errs, fmt.Errorf("deactivate keys: %w", err))
	}
	if len(errs) > 0 {
		return taerrors.NewInternalError("tenant deletion incomplete", errors.Join(errs...))
	}
	logger.Infow("tenant data deleted", "tenant_id", tenantID)
	return nil
}

// DiscoverTenant finds the tenant of an active account with email and the
// login providers that tenant offers.
func (r *Registry) DiscoverTenant(ctx context.Context, email string) (*Discovery, error) {
	normalized := storage.NormalizeEmail(email)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return nil, taerrors.NewInvalidArgumentError("a valid email is required", nil)
	}
	out := &Discovery{Email: normalized}

	user, err := retry.Read(ctx, r.readPolicy, "find_user_by_email", func(ctx context.Context) (*storage.User, error) {
		return r.storage.FindActiveUserByEmail(ctx, normalized)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, taerrors.NewInternalError("failed to look up user", err)
	}

	configs, err := retry.Read(ctx, r.readPolicy, "list_provider_configs", func(ctx context.Context) ([]*storage.ProviderConfig, error) {
		return r.storage.ListProviderConfigs(ctx, user.TenantID)
	})
	if err != nil {
		return nil, taerrors.NewInternalError("failed to list provider configs", err)
	}

	providers := make([]string, 0, len(configs)+1)
	for _, cfg := range configs {
		if cfg.Active {
			providers = append(providers, normalizeProvider(cfg.Provider))
		}
	}
	providers = append(providers, r.cfg.DefaultProvider)

	out.HasExistingAccounts = true
	out.TenantID = user.TenantID
	out.AuthProviders = dedupe(providers)
	return out, nil
}

func (r *Registry) open(tenantID string, cfg *storage.ProviderConfig) (*ProviderClient, error) {
	resolved := &ProviderClient{
		TenantID:        tenantID,
		Provider:        cfg.Provider,
		ClientID:        cfg.ClientID,
		RedirectURI:     cfg.RedirectURI,
		Scopes:          slices.Clone(cfg.Scopes),
		PlatformDefault: cfg.TenantID == "",
	}
	if len(cfg.EncryptedClientSecret) > 0 {
		secret, err := r.sealer.Open(cfg.TenantID, cfg.EncryptedClientSecret)
		if err != nil {
			logger.Errorw("failed to decrypt provider client secret",
				"tenant_id", tenantID, "provider", cfg.Provider, "error", err)
			return nil, taerrors.NewKeyStoreFailureError("failed to decrypt client secret", err)
		}
		resolved.ClientSecret = string(secret)
	}
	return resolved, nil
}

func applyRegistration(client *storage.RegisteredClient, reg *ClientRegistration) {
	client.Name = reg.ClientName
	client.RedirectURIs = reg.RedirectURIs
	client.AllowedGrantTypes = reg.GrantTypes
	client.PKCERequired = *reg.PKCERequired
	client.RefreshRotation = *reg.RefreshRotation
	client.AccessTokenTTL = time.Duration(reg.AccessTokenTTL) * time.Second
	client.RefreshTokenTTL = time.Duration(reg.RefreshTokenTTL) * time.Second
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
