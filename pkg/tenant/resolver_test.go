// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
)

func newSessionStore(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	st := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func saveSession(t *testing.T, st storage.SessionStorage, id, tenantID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.SaveSession(context.Background(), &storage.Session{
		ID:        id,
		TenantID:  tenantID,
		UserID:    "user-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))
}

func requestWithCookie(target, sessionID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: sessionID})
	}
	return req
}

func TestResolveOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		target     string
		session    string
		bound      string
		wantTenant string
		wantSource Source
	}{
		{name: "path segment", target: "/acme/oauth/authorize", wantTenant: "acme", wantSource: SourcePath},
		{name: "path wins over query", target: "/acme/oauth/authorize?tenant=globex", wantTenant: "acme", wantSource: SourcePath},
		{name: "query", target: "/?tenant=globex", wantTenant: "globex", wantSource: SourceQuery},
		{name: "session", target: "/", session: "s1", bound: "initech", wantTenant: "initech", wantSource: SourceSession},
		{name: "query rebinds onboarding session", target: "/?tenant=acme", session: "s1", bound: DefaultOnboardingTenant, wantTenant: "acme", wantSource: SourceQuery},
		{name: "same tenant keeps session", target: "/?tenant=acme", session: "s1", bound: "acme", wantTenant: "acme", wantSource: SourceQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := newSessionStore(t)
			if tt.session != "" {
				saveSession(t, st, tt.session, tt.bound)
			}
			r := NewResolver(st, Config{}, nil)

			res, err := r.Resolve(requestWithCookie(tt.target, tt.session))
			require.NoError(t, err)
			assert.Equal(t, tt.wantTenant, res.TenantID)
			assert.Equal(t, tt.wantSource, res.Source)
			assert.False(t, res.Invalidated)

			if tt.session != "" {
				stored, err := st.GetSession(context.Background(), tt.session)
				require.NoError(t, err)
				assert.Equal(t, tt.wantTenant, stored.TenantID, "session must be bound to the resolved tenant")
			}
		})
	}
}

func TestResolveFailsClosed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
	}{
		{name: "nothing", target: "/"},
		{name: "malformed path tenant", target: "/-bad/oauth/token"},
		{name: "malformed query tenant", target: "/?tenant=a%20b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(newSessionStore(t), Config{}, nil)
			_, err := r.Resolve(httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.Error(t, err)
			assert.True(t, taerrors.IsTenantUnresolved(err))
		})
	}
}

func TestResolveCrossTenantSwitchInvalidatesSession(t *testing.T) {
	t.Parallel()
	st := newSessionStore(t)
	saveSession(t, st, "s1", "acme")
	r := NewResolver(st, Config{}, nil)

	res, err := r.Resolve(requestWithCookie("/?tenant=globex", "s1"))
	require.Error(t, err)
	assert.True(t, taerrors.IsTenantUnresolved(err))
	assert.True(t, res.Invalidated)
	assert.Empty(t, res.TenantID)

	_, err = st.GetSession(context.Background(), "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The burned session no longer resolves anything.
	_, err = r.Resolve(requestWithCookie("/", "s1"))
	assert.True(t, taerrors.IsTenantUnresolved(err))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	st := newSessionStore(t)
	saveSession(t, st, "bound", "acme")
	saveSession(t, st, "onboarding", DefaultOnboardingTenant)
	r := NewResolver(st, Config{}, nil)

	var seen string
	router := chi.NewRouter()
	router.Route("/{tenant}", func(sub chi.Router) {
		sub.Use(r.Middleware)
		sub.Get("/whoami", func(w http.ResponseWriter, req *http.Request) {
			seen = MustFromContext(req.Context())
			w.WriteHeader(http.StatusNoContent)
		})
	})
	router.With(r.Middleware).Get("/session-only", func(w http.ResponseWriter, req *http.Request) {
		seen = MustFromContext(req.Context())
		session, ok := SessionFromContext(req.Context())
		require.True(t, ok)
		assert.Equal(t, "user-1", session.UserID)
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("path parameter", func(t *testing.T) { //nolint:paralleltest // shares the handler's captured tenant
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/acme/whoami", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "acme", seen)
	})

	t.Run("session binding", func(t *testing.T) { //nolint:paralleltest // shares the handler's captured tenant
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, requestWithCookie("/session-only", "bound"))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "acme", seen)
	})

	t.Run("no tenant", func(t *testing.T) { //nolint:paralleltest // shares the handler's captured tenant
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session-only", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var body taerrors.ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, taerrors.ErrTenantUnresolved, body.Error)
	})

	t.Run("onboarding rejected on tenant-scoped endpoint", func(t *testing.T) { //nolint:paralleltest // shares the handler's captured tenant
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, requestWithCookie("/session-only", "onboarding"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cross-tenant switch clears cookie", func(t *testing.T) { //nolint:paralleltest // shares the handler's captured tenant
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, requestWithCookie("/globex/whoami", "bound"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, DefaultCookieName, cookies[0].Name)
		assert.Negative(t, cookies[0].MaxAge)
	})
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, ok := FromContext(ctx)
	assert.False(t, ok)
	_, err := Require(ctx)
	assert.True(t, taerrors.IsTenantUnresolved(err))
	assert.Panics(t, func() { MustFromContext(ctx) })
	assert.Equal(t, ctx, WithTenant(ctx, ""))

	ctx = WithTenant(ctx, "acme")
	got, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "acme", got)
	assert.Equal(t, "acme", MustFromContext(ctx))
}

func TestIsValidID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want bool
	}{
		{"acme", true},
		{"Acme_Corp-2", true},
		{"a", true},
		{"", false},
		{"-acme", false},
		{"_acme", false},
		{"acme corp", false},
		{"acme/../globex", false},
		{"a123456789012345678901234567890123456789012345678901234567890123", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsValidID(tt.id))
		})
	}
}
