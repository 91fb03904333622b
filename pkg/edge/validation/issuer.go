// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"strings"

	"github.com/stacklok/tenantauth/pkg/tenant"
)

// IssuerKind classifies an allow-listed issuer.
type IssuerKind int

// Issuer kinds.
const (
	IssuerTenant IssuerKind = iota
	IssuerPlatform
	IssuerSuperTenant
)

// IssuerPolicy is the issuer allow-list. It only ever compares strings, so it
// is safe to apply to unverified input.
type IssuerPolicy struct {
	// BaseIssuer is the platform issuer. Tenant issuers are
	// "{BaseIssuer}/{tenantId}".
	BaseIssuer string

	// SuperTenantIssuer is an optional extra issuer trusted across tenants.
	SuperTenantIssuer string
}

// AllowedIssuer is an issuer that passed the allow-list.
type AllowedIssuer struct {
	Issuer string
	Kind   IssuerKind

	// TenantID is set for IssuerTenant.
	TenantID string
}

// Match reports whether iss is allow-listed. Matching is exact: no trailing
// slashes, no nested paths, no case folding.
func (p IssuerPolicy) Match(iss string) (AllowedIssuer, bool) {
	base := strings.TrimSuffix(p.BaseIssuer, "/")
	switch {
	case iss == "" || base == "":
		return AllowedIssuer{}, false
	case p.SuperTenantIssuer != "" && iss == p.SuperTenantIssuer:
		return AllowedIssuer{Issuer: iss, Kind: IssuerSuperTenant}, true
	case iss == base:
		return AllowedIssuer{Issuer: iss, Kind: IssuerPlatform}, true
	}

	tenantID, ok := strings.CutPrefix(iss, base+"/")
	if !ok || !tenant.IsValidID(tenantID) {
		return AllowedIssuer{}, false
	}
	return AllowedIssuer{Issuer: iss, Kind: IssuerTenant, TenantID: tenantID}, true
}
