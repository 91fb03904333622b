// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/edge/quota"
)

func newAPIKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikeys",
		Short: "Manage edge API keys",
	}
	cmd.AddCommand(newAPIKeysCreateCmd())
	cmd.AddCommand(newAPIKeysRevokeCmd())
	return cmd
}

func newAPIKeysCreateCmd() *cobra.Command {
	var (
		ownerID   string
		tenantID  string
		perMinute int64
		perHour   int64
		perDay    int64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key",
		Long: `Issue an API key. The key is printed once and cannot be recovered.
Limits that are not given use the configured quota defaults; 0 means
unlimited.`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			defaults := storage.RateLimits{
				PerMinute: b.cfg.Quota.PerMinute,
				PerHour:   b.cfg.Quota.PerHour,
				PerDay:    b.cfg.Quota.PerDay,
			}
			limits := defaults
			flags := cmd.Flags()
			if flags.Changed("per-minute") {
				limits.PerMinute = perMinute
			}
			if flags.Changed("per-hour") {
				limits.PerHour = perHour
			}
			if flags.Changed("per-day") {
				limits.PerDay = perDay
			}

			auth := quota.NewAuthenticator(b.storage, defaults)
			presented, cred, err := auth.CreateKey(ctx, ownerID, tenantID, &limits)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nkey_id: %s\n", presented, cred.KeyID)
			return err
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner of the key")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant the key is bound to (optional)")
	cmd.Flags().Int64Var(&perMinute, "per-minute", 0, "Requests allowed per minute")
	cmd.Flags().Int64Var(&perHour, "per-hour", 0, "Requests allowed per hour")
	cmd.Flags().Int64Var(&perDay, "per-day", 0, "Requests allowed per day")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newAPIKeysRevokeCmd() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "revoke KEY_ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			auth := quota.NewAuthenticator(b.storage, storage.RateLimits{})
			return auth.RevokeKey(ctx, tenantID, args[0])
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Only revoke the key if it belongs to this tenant")
	return cmd
}
