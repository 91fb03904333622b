// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage tenant signing keys",
	}
	cmd.AddCommand(newKeysRotateCmd())
	cmd.AddCommand(newKeysJWKSCmd())
	return cmd
}

func newKeysRotateCmd() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signing key of a tenant",
		Long: `Generate a new active signing key for a tenant. The previous key stays
in the published JWKS for the configured retention period so tokens it
signed keep validating.`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			store, err := newKeyStore(b)
			if err != nil {
				return err
			}
			key, err := store.Rotate(ctx, tenantID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key.KeyID)
			return err
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant whose key is rotated")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newKeysJWKSCmd() *cobra.Command {
	var (
		tenantID string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "Print the published key set of a tenant",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			store, err := newKeyStore(b)
			if err != nil {
				return err
			}
			set, err := store.PublicKeySet(ctx, tenantID)
			if err != nil {
				return err
			}
			if output == outputYAML {
				// go-jose only knows how to marshal keys as JSON.
				return writeOutput(cmd.OutOrStdout(), output, jsonToAny(set))
			}
			return writeOutput(cmd.OutOrStdout(), output, set)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant whose key set is printed")
	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "Output format (json or yaml)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newKeyStore(b *backend) (*keys.Store, error) {
	return keys.NewStore(b.storage, b.sealer, keys.Config{
		RSABits:   b.cfg.Keys.RSABits,
		Retention: b.cfg.Keys.Retention,
	}, nil)
}
