// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package retry wraps idempotent storage reads in a bounded exponential backoff.
//
// Only reads go through here. State transitions (code consumption, refresh
// rotation, counter increments, key inserts) must never be retried blindly.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/tenantauth/pkg/logger"
)

// Default policy values.
const (
	DefaultMaxTries        = 3
	DefaultInitialInterval = 50 * time.Millisecond
	DefaultMaxInterval     = 500 * time.Millisecond
)

// Policy bounds a retried read.
type Policy struct {
	// MaxTries includes the first attempt. Values below 1 mean a single attempt.
	MaxTries uint

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration

	// Permanent reports errors that are domain outcomes rather than transient
	// failures (for example a not-found sentinel). They are returned at once.
	Permanent func(error) bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxTries:        DefaultMaxTries,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}
}

// Read runs op until it succeeds, returns a permanent error, the context ends,
// or the policy's tries are exhausted.
func Read[T any](ctx context.Context, p Policy, name string, op func(context.Context) (T, error)) (T, error) {
	tries := p.MaxTries
	if tries < 1 {
		tries = 1
	}

	expBackoff := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		expBackoff.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		expBackoff.MaxInterval = p.MaxInterval
	}
	expBackoff.Reset()

	operation := func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if isPermanent(ctx, p, err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugw("retrying storage read", "operation", name, "delay", d, "error", err)
		}),
	)
	return v, unwrapPermanent(err)
}

func isPermanent(ctx context.Context, p Policy, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return p.Permanent != nil && p.Permanent(err)
}

// unwrapPermanent strips the backoff wrapper so callers can match sentinels
// with errors.Is without knowing about the retry layer.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
