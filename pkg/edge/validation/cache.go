// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/tenantauth/pkg/telemetry"
)

// errRefreshThrottled is returned by refresh when the issuer was already
// rebuilt for an unknown key ID within the refresh interval.
var errRefreshThrottled = errors.New("key set refresh throttled")

type cacheEntry struct {
	validator *issuerValidator
	expiresAt time.Time

	// refreshedAt is when the entry was last rebuilt for an unknown key ID.
	refreshedAt time.Time
}

// validatorCache holds one validator per issuer for a bounded time. Misses
// for the same issuer are collapsed into a single build.
type validatorCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	ttl        time.Duration
	maxEntries int
	group      singleflight.Group
	now        func() time.Time
	metrics    *telemetry.Metrics

	// refreshInterval is the minimum time between two unknown-key rebuilds
	// of the same issuer.
	refreshInterval time.Duration

	// onEvict, when set, is called without the lock held for every issuer
	// whose entry left the cache.
	onEvict func(issuer string)
}

func newValidatorCache(ttl time.Duration, maxEntries int, now func() time.Time, metrics *telemetry.Metrics) *validatorCache {
	return &validatorCache{
		entries:         make(map[string]*cacheEntry),
		ttl:             ttl,
		maxEntries:      maxEntries,
		now:             now,
		metrics:         metrics,
		refreshInterval: DefaultRefreshInterval,
	}
}

type buildFunc func(ctx context.Context, issuer AllowedIssuer) (*issuerValidator, error)

// get returns the cached validator for issuer, building it on a miss.
// Failed builds are not cached.
func (c *validatorCache) get(ctx context.Context, issuer AllowedIssuer, build buildFunc) (*issuerValidator, error) {
	if v, ok := c.lookup(issuer.Issuer); ok {
		c.metrics.IssuerCacheLookup(true)
		return v, nil
	}
	c.metrics.IssuerCacheLookup(false)

	return c.do(ctx, issuer.Issuer, func(buildCtx context.Context) (*issuerValidator, error) {
		if v, ok := c.lookup(issuer.Issuer); ok {
			return v, nil
		}
		v, err := build(buildCtx, issuer)
		if err != nil {
			return nil, err
		}
		c.store(issuer.Issuer, v, time.Time{})
		return v, nil
	})
}

// refresh rebuilds the validator of issuer after stale failed to find a
// token's key ID. Callers racing on the same stale validator share one
// rebuild, and an issuer is rebuilt this way at most once per refresh
// interval.
func (c *validatorCache) refresh(
	ctx context.Context, issuer AllowedIssuer, stale *issuerValidator, build buildFunc,
) (*issuerValidator, error) {
	return c.do(ctx, issuer.Issuer, func(buildCtx context.Context) (*issuerValidator, error) {
		c.mu.Lock()
		e, ok := c.entries[issuer.Issuer]
		if ok && e.validator != stale && c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.validator, nil
		}
		if ok && !e.refreshedAt.IsZero() && c.now().Sub(e.refreshedAt) < c.refreshInterval {
			c.mu.Unlock()
			return nil, errRefreshThrottled
		}
		c.mu.Unlock()

		v, err := build(buildCtx, issuer)
		if err != nil {
			return nil, err
		}
		c.store(issuer.Issuer, v, c.now())
		return v, nil
	})
}

// do runs fn once per issuer across concurrent callers.
func (c *validatorCache) do(
	ctx context.Context, issuer string, fn func(context.Context) (*issuerValidator, error),
) (*issuerValidator, error) {
	// The build is shared by every waiting caller, so it must not die with
	// the first caller's context. Fetchers bound their own duration.
	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(issuer, func() (any, error) {
		return fn(buildCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*issuerValidator), nil
	}
}

// lookup returns a live entry. Expired entries are left for store to
// replace or cleanup to remove.
func (c *validatorCache) lookup(issuer string) (*issuerValidator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[issuer]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.validator, true
}

func (c *validatorCache) store(issuer string, v *issuerValidator, refreshedAt time.Time) {
	c.mu.Lock()
	var evicted []string
	now := c.now()
	if prev, exists := c.entries[issuer]; exists {
		if refreshedAt.IsZero() {
			refreshedAt = prev.refreshedAt
		}
	} else if len(c.entries) >= c.maxEntries {
		evicted = c.removeExpiredLocked(now)
		if len(c.entries) >= c.maxEntries {
			evicted = append(evicted, c.evictOldestLocked())
		}
		c.metrics.IssuerCacheEvicted(len(evicted))
	}
	c.entries[issuer] = &cacheEntry{validator: v, expiresAt: now.Add(c.ttl), refreshedAt: refreshedAt}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
}

// evictOldestLocked drops the entry closest to expiry and returns its issuer.
func (c *validatorCache) evictOldestLocked() string {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	delete(c.entries, oldestKey)
	return oldestKey
}

func (c *validatorCache) removeExpiredLocked(now time.Time) []string {
	var removed []string
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed = append(removed, k)
		}
	}
	return removed
}

// invalidate drops every entry matched by match and returns how many were
// dropped.
func (c *validatorCache) invalidate(match func(AllowedIssuer) bool) int {
	c.mu.Lock()
	var removed []string
	for k, e := range c.entries {
		if match(e.validator.issuer) {
			delete(c.entries, k)
			removed = append(removed, k)
		}
	}
	c.metrics.IssuerCacheEvicted(len(removed))
	c.mu.Unlock()

	c.notifyEvicted(removed)
	return len(removed)
}

// cleanup removes expired entries and returns how many were removed.
func (c *validatorCache) cleanup() int {
	c.mu.Lock()
	removed := c.removeExpiredLocked(c.now())
	c.metrics.IssuerCacheEvicted(len(removed))
	c.mu.Unlock()

	c.notifyEvicted(removed)
	return len(removed)
}

func (c *validatorCache) notifyEvicted(issuers []string) {
	if c.onEvict == nil {
		return
	}
	for _, issuer := range issuers {
		c.onEvict(issuer)
	}
}

func (c *validatorCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
