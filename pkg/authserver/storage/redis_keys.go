// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "strings"

// Key types used to build Redis keys.
const (
	KeyTypeSigningKey   = "signingkey"
	KeyTypeActiveKey    = "activekey"
	KeyTypeTenantKeys   = "signingkeys"
	KeyTypeAuthCode     = "authz"
	KeyTypeToken        = "token"
	KeyTypeAccessIndex  = "accessidx"
	KeyTypeRefreshIndex = "refreshidx"
	KeyTypeTenantTokens = "tenanttokens"
	KeyTypeClient       = "client"
	KeyTypeTenantClient = "tenantclients"
	KeyTypeProvider     = "provider"
	KeyTypeTenantProv   = "tenantproviders"
	KeyTypeAPIKey       = "apikey"
	KeyTypeCounter      = "counter"
	KeyTypeSession      = "session"
	KeyTypeUser         = "user"
	KeyTypeUserEmail    = "useremail"
	KeyTypeEmailTenants = "emailusers"
)

// defaultTenantSegment stands in for the empty tenant ID of platform defaults.
const defaultTenantSegment = "_platform"

// redisKey joins the prefix, the key type and the parts with ':'.
func redisKey(prefix, keyType string, parts ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(keyType)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

func tenantSegment(tenantID string) string {
	if tenantID == "" {
		return defaultTenantSegment
	}
	return tenantID
}
