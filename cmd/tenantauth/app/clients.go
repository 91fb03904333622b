// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/stacklok/tenantauth/pkg/authserver/server/registration"
)

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage tenant OAuth clients",
	}
	cmd.AddCommand(newClientsRegisterCmd())
	cmd.AddCommand(newClientsGetCmd())
	return cmd
}

func newClientsRegisterCmd() *cobra.Command {
	var (
		tenantID     string
		name         string
		redirectURIs []string
		noPKCE       bool
		output       string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an OAuth client for a tenant",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			registry, err := newRegistry(b)
			if err != nil {
				return err
			}
			req := &registration.ClientRegistration{
				RedirectURIs: redirectURIs,
				ClientName:   name,
			}
			if noPKCE {
				pkce := false
				req.PKCERequired = &pkce
			}
			client, err := registry.RegisterClient(ctx, tenantID, req)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, client)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant that owns the client")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable client name")
	cmd.Flags().StringSliceVar(&redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	cmd.Flags().BoolVar(&noPKCE, "no-pkce", false, "Do not require PKCE for this client")
	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "Output format (json or yaml)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func newClientsGetCmd() *cobra.Command {
	var (
		tenantID string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "get CLIENT_ID",
		Short: "Show a registered client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			registry, err := newRegistry(b)
			if err != nil {
				return err
			}
			client, err := registry.Client(ctx, tenantID, args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, client)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant that owns the client")
	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "Output format (json or yaml)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newRegistry(b *backend) (*registration.Registry, error) {
	store, err := newKeyStore(b)
	if err != nil {
		return nil, err
	}
	return registration.NewRegistry(b.storage, store, b.sealer, registration.Config{
		DefaultProvider: b.cfg.Tenancy.DefaultProvider,
	})
}
