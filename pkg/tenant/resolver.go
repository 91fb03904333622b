// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/retry"
	"github.com/stacklok/tenantauth/pkg/telemetry"
)

// Defaults for Config.
const (
	DefaultPathParam        = "tenant"
	DefaultQueryParam       = "tenant"
	DefaultCookieName       = "tenantauth_session"
	DefaultOnboardingTenant = "onboarding"
)

// Source says where a tenant was resolved from.
type Source string

// Resolution sources, in resolution order.
const (
	SourcePath    Source = "path"
	SourceQuery   Source = "query"
	SourceSession Source = "session"
)

// Config configures a Resolver.
type Config struct {
	// PathParam is the chi URL parameter holding the tenant.
	PathParam string

	// QueryParam is the query parameter holding the tenant.
	QueryParam string

	// CookieName is the browser session cookie.
	CookieName string

	// OnboardingTenant is the reserved pseudo-tenant of sessions that have not
	// picked a real tenant yet. Moving from it to a real tenant is allowed.
	OnboardingTenant string

	// AllowOnboarding lets the middleware admit requests resolved to the
	// onboarding pseudo-tenant. Tenant-scoped endpoints leave it off.
	AllowOnboarding bool
}

func (c *Config) applyDefaults() {
	if c.PathParam == "" {
		c.PathParam = DefaultPathParam
	}
	if c.QueryParam == "" {
		c.QueryParam = DefaultQueryParam
	}
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.OnboardingTenant == "" {
		c.OnboardingTenant = DefaultOnboardingTenant
	}
}

// Resolution is the outcome of resolving a request's tenant.
type Resolution struct {
	TenantID string
	Source   Source

	// Session is the browser session bound to the tenant, if the request
	// carried one.
	Session *storage.Session

	// Invalidated is set when the request tried to move its session from one
	// real tenant to another; the session has been deleted.
	Invalidated bool
}

// Resolver determines the tenant of a request from its path, its query or
// its session binding, in that order.
type Resolver struct {
	sessions   storage.SessionStorage
	cfg        Config
	readPolicy retry.Policy
	metrics    *telemetry.Metrics
}

// NewResolver creates a Resolver. metrics may be nil.
func NewResolver(sessions storage.SessionStorage, cfg Config, metrics *telemetry.Metrics) *Resolver {
	cfg.applyDefaults()
	policy := retry.DefaultPolicy()
	policy.Permanent = storage.IsDomainOutcome
	return &Resolver{
		sessions:   sessions,
		cfg:        cfg,
		readPolicy: policy,
		metrics:    metrics,
	}
}

// IsOnboarding reports whether tenantID is the onboarding pseudo-tenant.
func (r *Resolver) IsOnboarding(tenantID string) bool {
	return tenantID == r.cfg.OnboardingTenant
}

// Resolve returns the tenant of req. An explicit tenant from the path or the
// query is bound to the request's session; an attempt to rebind a session
// from one real tenant to another deletes the session and fails.
func (r *Resolver) Resolve(req *http.Request) (Resolution, error) {
	ctx := req.Context()

	candidate, source := r.explicitTenant(req)
	if candidate != "" && !IsValidID(candidate) {
		r.metrics.TenantResolutionFailed("malformed")
		return Resolution{}, taerrors.NewTenantUnresolvedError("malformed tenant identifier", nil)
	}

	session, err := r.loadSession(ctx, req)
	if err != nil {
		return Resolution{}, taerrors.NewInternalError("failed to load session", err)
	}

	if candidate == "" {
		if session == nil || session.TenantID == "" {
			r.metrics.TenantResolutionFailed("missing")
			return Resolution{}, taerrors.NewTenantUnresolvedError("no tenant could be resolved for the request", nil)
		}
		return Resolution{TenantID: session.TenantID, Source: SourceSession, Session: session}, nil
	}

	if session == nil {
		return Resolution{TenantID: candidate, Source: source}, nil
	}

	bound := session.TenantID
	switch {
	case bound == candidate:
	case bound == "" || r.IsOnboarding(bound):
		session.TenantID = candidate
		if err := r.sessions.SaveSession(ctx, session); err != nil {
			return Resolution{}, taerrors.NewInternalError("failed to bind session", err)
		}
		logger.Debugw("session bound to tenant", "tenant_id", candidate, "source", string(source))
	default:
		// Cross-tenant switch: the session is burned, not rebound.
		if err := r.sessions.DeleteSession(ctx, session.ID); err != nil {
			logger.Errorw("failed to delete session after cross-tenant switch", "error", err)
		}
		logger.Warnw("session invalidated on cross-tenant switch",
			"bound_tenant_id", bound, "requested_tenant_id", candidate)
		r.metrics.TenantResolutionFailed("cross_tenant")
		return Resolution{Invalidated: true},
			taerrors.NewTenantUnresolvedError("session is bound to a different tenant", nil)
	}

	return Resolution{TenantID: candidate, Source: source, Session: session}, nil
}

// Middleware resolves the tenant and stores it in the request context.
// Requests without a resolvable tenant are rejected, never defaulted.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		res, err := r.Resolve(req)
		if res.Invalidated {
			r.clearCookie(w)
		}
		if err == nil && r.IsOnboarding(res.TenantID) && !r.cfg.AllowOnboarding {
			err = taerrors.NewTenantUnresolvedError("onboarding sessions cannot use tenant-scoped endpoints", nil)
		}
		if err != nil {
			taerrors.WriteHTTPError(w, err)
			return
		}

		ctx := WithTenant(req.Context(), res.TenantID)
		ctx = WithSession(ctx, res.Session)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// explicitTenant returns a tenant named by the path or the query. Under a chi
// router the path parameter is used; otherwise the first path segment.
func (r *Resolver) explicitTenant(req *http.Request) (string, Source) {
	var fromPath string
	if rctx := chi.RouteContext(req.Context()); rctx != nil {
		fromPath = rctx.URLParam(r.cfg.PathParam)
	} else {
		segment, _, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")
		fromPath = segment
	}
	if fromPath != "" {
		return fromPath, SourcePath
	}
	if fromQuery := strings.TrimSpace(req.URL.Query().Get(r.cfg.QueryParam)); fromQuery != "" {
		return fromQuery, SourceQuery
	}
	return "", ""
}

func (r *Resolver) loadSession(ctx context.Context, req *http.Request) (*storage.Session, error) {
	if r.sessions == nil {
		return nil, nil
	}
	cookie, err := req.Cookie(r.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	session, err := retry.Read(ctx, r.readPolicy, "get_session", func(ctx context.Context) (*storage.Session, error) {
		return r.sessions.GetSession(ctx, cookie.Value)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return session, err
}

func (r *Resolver) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     r.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
