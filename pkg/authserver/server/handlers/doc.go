// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package handlers provides the HTTP handlers of the multi-tenant
// authorization server.
//
// Every tenant gets its own issuer rooted at /{tenant}:
//   - JWKS endpoint (/{tenant}/.well-known/jwks.json)
//   - OIDC and OAuth discovery (/{tenant}/.well-known/openid-configuration)
//   - OAuth endpoints (authorize, token, revoke)
//   - Admin endpoints (/{tenant}/admin/...) for clients, identity providers,
//     signing keys and API keys, restricted to tenant admins
//
// Tenant discovery (/tenant/discover) is not tenant-scoped.
//
// The Handler struct coordinates all handlers and provides route registration
// methods for integrating with a chi router.
package handlers
