// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver provides a multi-tenant OAuth 2.0 / OIDC authorization
// server together with the edge trust endpoints that validate its tokens.
//
// The server supports:
//   - Per-tenant issuers ({base}/{tenantId}) with their own RSA signing keys
//   - Authorization Code flow with PKCE (RFC 7636) and refresh token rotation
//   - Token revocation (RFC 7009)
//   - Tenant client registration (RFC 7591 metadata) through an admin API
//   - OIDC discovery and OAuth 2.0 Authorization Server Metadata (RFC 8414)
//   - Bearer token validation against an issuer allow-list
//   - API keys with per-minute, per-hour and per-day quotas
//
// # Usage
//
// The primary entry point is authserver.New(), which creates the server with
// a single handler. Storage is a required parameter:
//
//	stor := storage.NewMemoryStorage()
//	server, err := authserver.New(ctx, cfg, stor)
//	if err != nil {
//	    return err
//	}
//	defer server.Close()
//	mux.Handle("/", server.Handler())
//
// # Configuration
//
// The server requires a Config with the base issuer and a 32-byte master key
// that seals private keys at rest. Everything else has defaults.
//
//	cfg := authserver.Config{
//	    BaseIssuer: "https://auth.example.com",
//	    MasterKey:  masterKey,
//	}
//
// # Storage
//
// Available backends:
//   - In-memory storage (single instance)
//   - Redis (shared state, atomic transitions via WATCH/MULTI)
//   - SQLite and PostgreSQL (goose migrations, row-locking transactions)
//
// # Subpackages
//
// The authserver package is organized into subpackages:
//   - server: keys, tokens, authorization codes, registration and HTTP handlers
//   - storage: state backends
package authserver
