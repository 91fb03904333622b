// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registration is the tenant client registry: OAuth clients
// registered under a tenant, per-tenant identity provider client
// configuration with a platform-wide fallback, and tenant discovery by email.
package registration

import (
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Registration error codes per RFC 7591 Section 3.2.2
const (
	// ErrorInvalidRedirectURI indicates that the value of one or more
	// redirect_uris is invalid.
	ErrorInvalidRedirectURI = "invalid_redirect_uri"

	// ErrorInvalidClientMetadata indicates that the value of one of the
	// client metadata fields is invalid and the server has rejected this request.
	ErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Validation limits to prevent DoS attacks via excessively large requests.
const (
	// MaxRedirectURICount is the maximum number of redirect URIs allowed per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength is the maximum allowed length for a client name.
	MaxClientNameLength = 256

	// MaxRedirectURILength is the maximum allowed length of one redirect URI.
	MaxRedirectURILength = 2048

	// MaxTokenTTL caps client-specific token lifetimes.
	MaxTokenTTL = 90 * 24 * time.Hour
)

// ClientRegistration is the metadata of a client registration or update,
// modeled on RFC 7591 Section 2.
type ClientRegistration struct {
	// RedirectURIs is an array of redirection URIs for the client. Required.
	RedirectURIs []string `json:"redirect_uris" yaml:"redirect_uris"`

	// ClientName is a human-readable name for the client.
	ClientName string `json:"client_name,omitempty" yaml:"client_name,omitempty"`

	// GrantTypes defaults to ["authorization_code", "refresh_token"].
	GrantTypes []string `json:"grant_types,omitempty" yaml:"grant_types,omitempty"`

	// ResponseTypes defaults to ["code"].
	ResponseTypes []string `json:"response_types,omitempty" yaml:"response_types,omitempty"`

	// PKCERequired defaults to true.
	PKCERequired *bool `json:"pkce_required,omitempty" yaml:"pkce_required,omitempty"`

	// RefreshRotation defaults to true.
	RefreshRotation *bool `json:"refresh_rotation,omitempty" yaml:"refresh_rotation,omitempty"`

	// AccessTokenTTL in seconds. Zero uses the server default.
	AccessTokenTTL int64 `json:"access_token_ttl,omitempty" yaml:"access_token_ttl,omitempty"`

	// RefreshTokenTTL in seconds. Zero uses the server default.
	RefreshTokenTTL int64 `json:"refresh_token_ttl,omitempty" yaml:"refresh_token_ttl,omitempty"`
}

// RegistrationError is an RFC 7591 Section 3.2.2 error response.
type RegistrationError struct {
	// Code is a single ASCII error code from the defined set.
	Code string `json:"error"`

	// Description is a human-readable text providing additional information.
	Description string `json:"error_description,omitempty"`
}

func (e *RegistrationError) Error() string {
	return e.Code + ": " + e.Description
}

// defaultGrantTypes are the default grant types for registered clients.
var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

// allowedGrantTypes defines the grant types a client may be registered for.
var allowedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

// defaultResponseTypes are the default response types for registered clients.
var defaultResponseTypes = []string{"code"}

// allowedResponseTypes defines the response types a client may be registered for.
var allowedResponseTypes = map[string]bool{
	"code": true,
}

// ValidateRegistration validates client metadata and returns a copy with
// defaults applied.
func ValidateRegistration(req *ClientRegistration) (*ClientRegistration, *RegistrationError) {
	if len(req.RedirectURIs) == 0 {
		return nil, &RegistrationError{
			Code:        ErrorInvalidRedirectURI,
			Description: "redirect_uris is required",
		}
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, &RegistrationError{
			Code:        ErrorInvalidRedirectURI,
			Description: "too many redirect_uris (maximum 10)",
		}
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	if len(req.ClientName) > MaxClientNameLength {
		return nil, &RegistrationError{
			Code:        ErrorInvalidClientMetadata,
			Description: "client_name too long (maximum 256 characters)",
		}
	}

	grantTypes, err := validateGrantTypes(req.GrantTypes)
	if err != nil {
		return nil, err
	}
	responseTypes, err := validateResponseTypes(req.ResponseTypes)
	if err != nil {
		return nil, err
	}

	for _, ttl := range []int64{req.AccessTokenTTL, req.RefreshTokenTTL} {
		if ttl < 0 || time.Duration(ttl)*time.Second > MaxTokenTTL {
			return nil, &RegistrationError{
				Code:        ErrorInvalidClientMetadata,
				Description: "token lifetimes must be between 0 and 90 days",
			}
		}
	}

	out := &ClientRegistration{
		RedirectURIs:    slices.Clone(req.RedirectURIs),
		ClientName:      req.ClientName,
		GrantTypes:      grantTypes,
		ResponseTypes:   responseTypes,
		PKCERequired:    boolOr(req.PKCERequired, true),
		RefreshRotation: boolOr(req.RefreshRotation, true),
		AccessTokenTTL:  req.AccessTokenTTL,
		RefreshTokenTTL: req.RefreshTokenTTL,
	}
	return out, nil
}

func validateGrantTypes(grantTypes []string) ([]string, *RegistrationError) {
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	// refresh_token alone would pass the allowlist but can never be used.
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, &RegistrationError{
			Code:        ErrorInvalidClientMetadata,
			Description: "grant_types must include 'authorization_code'",
		}
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, &RegistrationError{
				Code:        ErrorInvalidClientMetadata,
				Description: "unsupported grant_type: " + gt,
			}
		}
	}
	return slices.Clone(grantTypes), nil
}

func validateResponseTypes(responseTypes []string) ([]string, *RegistrationError) {
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}
	for _, rt := range responseTypes {
		if !allowedResponseTypes[rt] {
			return nil, &RegistrationError{
				Code:        ErrorInvalidClientMetadata,
				Description: "unsupported response_type: " + rt,
			}
		}
	}
	return slices.Clone(responseTypes), nil
}

// ValidateRedirectURI validates a redirect URI per RFC 8252:
// - HTTPS is allowed for any host
// - HTTP is only allowed for loopback addresses (127.0.0.1, [::1], localhost)
// - fragments are never allowed (RFC 6749 Section 3.1.2)
func ValidateRedirectURI(uri string) *RegistrationError {
	invalid := func(desc string) *RegistrationError {
		return &RegistrationError{Code: ErrorInvalidRedirectURI, Description: desc}
	}
	if len(uri) > MaxRedirectURILength {
		return invalid("redirect_uri is too long")
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("redirect_uri must be an absolute URI")
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return invalid("redirect_uri must not contain a fragment")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return invalid("http redirect_uri is only allowed for loopback addresses")
	default:
		return invalid("unsupported redirect_uri scheme: " + u.Scheme)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func boolOr(v *bool, fallback bool) *bool {
	if v != nil {
		out := *v
		return &out
	}
	return &fallback
}
