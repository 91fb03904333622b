// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStorage(t *testing.T) *MemoryStorage {
	t.Helper()
	s := NewMemoryStorage()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStorage_MintRunsWithoutStoreLock(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStorage(t)
	ctx := t.Context()
	now := time.Now()
	require.NoError(t, s.CreateAuthorization(ctx, newSession("code-1", now.Add(time.Minute))))
	other := newRecord("other", now)
	require.NoError(t, s.CreateToken(ctx, other))

	// A write from another goroutine must not wait for a slow mint.
	writeDuringMint := func() error {
		done := make(chan error, 1)
		go func() { done <- s.RevokeToken(ctx, other.AccessSignature) }()
		select {
		case err := <-done:
			return err
		case <-time.After(time.Second):
			return errors.New("store lock held while minting")
		}
	}

	_, err := s.ConsumeAuthorization(ctx, "code-1", now, func(a *AuthorizationSession) (*TokenRecord, error) {
		if err := writeDuringMint(); err != nil {
			return nil, err
		}
		return mintFor("rec-1")(a)
	})
	require.NoError(t, err)

	next, err := s.ExchangeRefreshToken(ctx, Signature("refresh-rec-1"), now, true,
		func(*TokenRecord) (*TokenRecord, error) {
			if err := writeDuringMint(); err != nil {
				return nil, err
			}
			return newRecord("rec-2", now), nil
		})
	require.NoError(t, err)
	assert.Equal(t, "rec-2", next.ID)
}

func TestMemoryStorage_ConsumeLosesToConcurrentCommit(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStorage(t)
	ctx := t.Context()
	now := time.Now()
	require.NoError(t, s.CreateAuthorization(ctx, newSession("code-1", now.Add(time.Minute))))

	// The code is consumed by another caller while this one is minting.
	_, err := s.ConsumeAuthorization(ctx, "code-1", now, func(a *AuthorizationSession) (*TokenRecord, error) {
		_, err := s.ConsumeAuthorization(ctx, "code-1", now, mintFor("winner"))
		require.NoError(t, err)
		return mintFor("loser")(a)
	})
	require.ErrorIs(t, err, ErrAlreadyConsumed)

	_, err = s.GetTokenByAccess(ctx, Signature("access-loser"))
	assert.ErrorIs(t, err, ErrNotFound, "the losing record is never stored")
}

func TestMemoryStorage_RejectedReplacementKeepsRecord(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStorage(t)
	ctx := t.Context()
	now := time.Now()
	current := newRecord("rec-1", now)
	other := newRecord("rec-2", now)
	require.NoError(t, s.CreateToken(ctx, current))
	require.NoError(t, s.CreateToken(ctx, other))

	replacement := func(access string) RefreshFunc {
		return func(c *TokenRecord) (*TokenRecord, error) {
			r := newRecord("rec-1b", now)
			r.RefreshSignature = c.RefreshSignature
			r.AccessSignature = access
			return r, nil
		}
	}

	_, err := s.ExchangeRefreshToken(ctx, current.RefreshSignature, now, false, replacement(other.AccessSignature))
	require.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.GetTokenByRefresh(ctx, current.RefreshSignature)
	require.NoError(t, err, "the refresh token survives a rejected replacement")
	assert.Equal(t, "rec-1", got.ID)
	_, err = s.GetTokenByAccess(ctx, current.AccessSignature)
	require.NoError(t, err)

	next, err := s.ExchangeRefreshToken(ctx, current.RefreshSignature, now, false, replacement(Signature("access-rec-1b")))
	require.NoError(t, err)
	assert.Equal(t, "rec-1b", next.ID)
}
