// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package quota enforces per-credential request quotas at the edge.
//
// Quotas use fixed UTC windows of a minute, an hour and a day. A check
// increments all three counters first and compares afterwards, so a denied
// request still counts once. Under concurrency a window can overshoot its
// limit by at most the number of requests racing at the boundary; this is
// accepted in exchange for a single atomic storage operation per check with
// no lock.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/retry"
	"github.com/stacklok/tenantauth/pkg/telemetry"
)

// Unlimited is the remaining count reported for a window without a limit.
const Unlimited int64 = -1

// counterGrace keeps a counter alive a little past its window so a request
// received at the very end of a window still finds it.
const counterGrace = time.Minute

// Window is a fixed quota window.
type Window struct {
	Name   string
	Length time.Duration
}

// The quota windows, in the order counters are incremented.
var (
	WindowMinute = Window{Name: "minute", Length: time.Minute}
	WindowHour   = Window{Name: "hour", Length: time.Hour}
	WindowDay    = Window{Name: "day", Length: 24 * time.Hour}

	windows = []Window{WindowMinute, WindowHour, WindowDay}
)

// Start returns the start of the window containing t, in UTC.
func (w Window) Start(t time.Time) time.Time {
	return t.UTC().Truncate(w.Length)
}

func limitFor(limits storage.RateLimits, w Window) int64 {
	switch w {
	case WindowMinute:
		return limits.PerMinute
	case WindowHour:
		return limits.PerHour
	default:
		return limits.PerDay
	}
}

// Decision is the outcome of a quota check.
type Decision struct {
	Admitted  bool               `json:"admitted"`
	Remaining taerrors.Remaining `json:"remaining"`

	// RetryAfter is set on denial: the start of the next window of the
	// exceeded window that resets last.
	RetryAfter time.Time `json:"retry_after,omitzero"`
}

// Err returns the quota error of a denied decision, or nil.
func (d *Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return taerrors.NewQuotaExceededError(d.RetryAfter, d.Remaining)
}

// Limiter checks and counts requests against credential quotas.
type Limiter struct {
	counters    storage.CounterStorage
	credentials storage.APIKeyStorage
	metrics     *telemetry.Metrics
	readPolicy  retry.Policy
	now         func() time.Time
}

// NewLimiter creates a Limiter. metrics may be nil.
func NewLimiter(counters storage.CounterStorage, credentials storage.APIKeyStorage, metrics *telemetry.Metrics) (*Limiter, error) {
	if counters == nil || credentials == nil {
		return nil, errors.New("counter and credential storage are required")
	}
	policy := retry.DefaultPolicy()
	policy.Permanent = storage.IsDomainOutcome
	return &Limiter{
		counters:    counters,
		credentials: credentials,
		metrics:     metrics,
		readPolicy:  policy,
		now:         time.Now,
	}, nil
}

// Check counts a request for credentialID at the current time.
func (l *Limiter) Check(ctx context.Context, credentialID string) (*Decision, error) {
	return l.CheckAt(ctx, credentialID, l.now())
}

// CheckAt counts a request for credentialID received at now, using the
// credential's configured limits.
func (l *Limiter) CheckAt(ctx context.Context, credentialID string, now time.Time) (*Decision, error) {
	if credentialID == "" {
		return nil, taerrors.NewInvalidArgumentError("credential ID is required", nil)
	}
	cred, err := retry.Read(ctx, l.readPolicy, "get_api_key", func(ctx context.Context) (*storage.APIKeyCredential, error) {
		return l.credentials.GetAPIKey(ctx, credentialID)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, taerrors.NewUnauthorizedError("unknown credential", nil)
	}
	if err != nil {
		return nil, taerrors.NewInternalError("failed to load credential", err)
	}
	if cred.Revoked {
		return nil, taerrors.NewUnauthorizedError("credential is revoked", nil)
	}
	return l.CheckLimits(ctx, credentialID, cred.RateLimits, now)
}

// CheckLimits counts a request for credentialID against limits.
func (l *Limiter) CheckLimits(ctx context.Context, credentialID string, limits storage.RateLimits, now time.Time) (*Decision, error) {
	ctx, span := telemetry.StartSpan(ctx, "quota.Check", "")
	defer span.End()

	increments := make([]storage.CounterIncrement, len(windows))
	starts := make([]time.Time, len(windows))
	for i, w := range windows {
		starts[i] = w.Start(now)
		increments[i] = storage.CounterIncrement{
			Key: counterKey(credentialID, w, starts[i]),
			TTL: w.Length + counterGrace,
		}
	}

	counts, err := l.counters.IncrementCounters(ctx, increments)
	if err != nil {
		// Without counters there is no decision; fail closed.
		logger.Errorw("quota counter increment failed", "credential_id", credentialID, "error", err)
		return nil, taerrors.NewInternalError("quota check failed", err)
	}
	if len(counts) != len(windows) {
		return nil, taerrors.NewInternalError("quota check failed",
			fmt.Errorf("expected %d counters, got %d", len(windows), len(counts)))
	}

	d := &Decision{Admitted: true}
	remaining := make([]int64, len(windows))
	for i, w := range windows {
		limit := limitFor(limits, w)
		if limit <= 0 {
			remaining[i] = Unlimited
			continue
		}
		remaining[i] = max(limit-counts[i], 0)
		if counts[i] > limit {
			d.Admitted = false
			if next := starts[i].Add(w.Length); next.After(d.RetryAfter) {
				d.RetryAfter = next
			}
		}
	}
	d.Remaining = taerrors.Remaining{Minute: remaining[0], Hour: remaining[1], Day: remaining[2]}

	l.metrics.QuotaDecision(d.Admitted)
	if !d.Admitted {
		logger.Debugw("quota exceeded", "credential_id", credentialID, "retry_after", d.RetryAfter)
	}
	return d, nil
}

func counterKey(credentialID string, w Window, start time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%d", credentialID, w.Name, start.Unix())
}
