// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// Request and response headers.
const (
	HeaderAPIKey          = "X-API-Key"
	HeaderRemainingMinute = "X-RateLimit-Remaining-Minute"
	HeaderRemainingHour   = "X-RateLimit-Remaining-Hour"
	HeaderRemainingDay    = "X-RateLimit-Remaining-Day"
)

// Defaults for MiddlewareConfig.
const (
	DefaultFailureRate  = rate.Limit(1)
	DefaultFailureBurst = 10
	maxTrackedClients   = 10_000
)

// CredentialContextKey is the context key for the authenticated credential.
type CredentialContextKey struct{}

// CredentialFromContext returns the credential stored by the middleware.
func CredentialFromContext(ctx context.Context) (*storage.APIKeyCredential, bool) {
	cred, ok := ctx.Value(CredentialContextKey{}).(*storage.APIKeyCredential)
	return cred, ok && cred != nil
}

// MiddlewareConfig configures the API key middleware.
type MiddlewareConfig struct {
	// FailureRate is the sustained rate of failed authentications allowed
	// per client IP.
	FailureRate rate.Limit

	// FailureBurst is how many failures a client IP may accumulate at once.
	FailureBurst int
}

// Middleware authenticates API keys and enforces their quotas.
type Middleware struct {
	auth     *Authenticator
	limiter  *Limiter
	failures *failureThrottle
}

// NewMiddleware creates a Middleware.
func NewMiddleware(auth *Authenticator, limiter *Limiter, cfg MiddlewareConfig) *Middleware {
	if cfg.FailureRate == 0 {
		cfg.FailureRate = DefaultFailureRate
	}
	if cfg.FailureBurst == 0 {
		cfg.FailureBurst = DefaultFailureBurst
	}
	return &Middleware{
		auth:     auth,
		limiter:  limiter,
		failures: newFailureThrottle(cfg.FailureRate, cfg.FailureBurst),
	}
}

// Handler wraps next with API key authentication and quota enforcement.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if m.failures.blocked(ip) {
			logger.Debugw("API key authentication throttled", "client_ip", ip)
			taerrors.WriteHTTPError(w, taerrors.NewQuotaExceededError(time.Now().Add(time.Second), taerrors.Remaining{}))
			return
		}

		cred, err := m.auth.Authenticate(r.Context(), r.Header.Get(HeaderAPIKey))
		if err != nil {
			if taerrors.IsUnauthorized(err) {
				m.failures.record(ip)
			}
			taerrors.WriteHTTPError(w, err)
			return
		}

		decision, err := m.limiter.CheckLimits(r.Context(), cred.KeyID, cred.RateLimits, m.limiter.now())
		if err != nil {
			taerrors.WriteHTTPError(w, err)
			return
		}
		setRemainingHeaders(w, decision.Remaining)
		if !decision.Admitted {
			taerrors.WriteHTTPError(w, decision.Err())
			return
		}

		ctx := context.WithValue(r.Context(), CredentialContextKey{}, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type checkRequest struct {
	CredentialID string `json:"credential_id"`
}

// CheckHandler serves the internal quota check entry point. An admitted
// check answers 200, a denied one 429; both carry the decision.
func (l *Limiter) CheckHandler(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		taerrors.WriteHTTPError(w, taerrors.NewInvalidArgumentError("malformed request body", err))
		return
	}
	decision, err := l.Check(r.Context(), req.CredentialID)
	if err != nil {
		taerrors.WriteHTTPError(w, err)
		return
	}

	setRemainingHeaders(w, decision.Remaining)
	status := http.StatusOK
	if !decision.Admitted {
		seconds := int64(max(time.Until(decision.RetryAfter).Seconds(), 0)) + 1
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(decision)
}

func setRemainingHeaders(w http.ResponseWriter, remaining taerrors.Remaining) {
	for header, value := range map[string]int64{
		HeaderRemainingMinute: remaining.Minute,
		HeaderRemainingHour:   remaining.Hour,
		HeaderRemainingDay:    remaining.Day,
	} {
		if value != Unlimited {
			w.Header().Set(header, strconv.FormatInt(value, 10))
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// failureThrottle tracks failed authentications per client IP. Only failures
// spend tokens; a client is blocked once its bucket is empty.
type failureThrottle struct {
	mu         sync.Mutex
	clients    map[string]*rate.Limiter
	limit      rate.Limit
	burst      int
	maxClients int
}

func newFailureThrottle(limit rate.Limit, burst int) *failureThrottle {
	return &failureThrottle{
		clients:    make(map[string]*rate.Limiter),
		limit:      limit,
		burst:      burst,
		maxClients: maxTrackedClients,
	}
}

func (f *failureThrottle) blocked(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.clients[ip]
	return ok && lim.Tokens() < 1
}

func (f *failureThrottle) record(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.clients[ip]
	if !ok {
		if len(f.clients) >= f.maxClients {
			f.pruneLocked()
		}
		lim = rate.NewLimiter(f.limit, f.burst)
		f.clients[ip] = lim
	}
	lim.Allow()
}

// pruneLocked forgets clients whose buckets have refilled. When none has,
// the client with the fullest bucket is forgotten so the map stays bounded.
func (f *failureThrottle) pruneLocked() {
	var (
		fullestIP string
		fullest   float64
	)
	for ip, lim := range f.clients {
		tokens := lim.Tokens()
		if tokens >= float64(f.burst) {
			delete(f.clients, ip)
			continue
		}
		if fullestIP == "" || tokens > fullest {
			fullestIP, fullest = ip, tokens
		}
	}
	if len(f.clients) >= f.maxClients {
		delete(f.clients, fullestIP)
	}
}
