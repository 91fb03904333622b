// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestValidateRegistrationDefaults(t *testing.T) {
	t.Parallel()

	got, err := ValidateRegistration(&ClientRegistration{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "app",
	})
	require.Nil(t, err)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, got.GrantTypes)
	assert.Equal(t, []string{"code"}, got.ResponseTypes)
	require.NotNil(t, got.PKCERequired)
	assert.True(t, *got.PKCERequired)
	require.NotNil(t, got.RefreshRotation)
	assert.True(t, *got.RefreshRotation)
}

func TestValidateRegistrationKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	got, err := ValidateRegistration(&ClientRegistration{
		RedirectURIs:    []string{"http://127.0.0.1:8765/cb"},
		GrantTypes:      []string{"authorization_code"},
		PKCERequired:    boolPtr(false),
		RefreshRotation: boolPtr(false),
		AccessTokenTTL:  600,
	})
	require.Nil(t, err)
	assert.Equal(t, []string{"authorization_code"}, got.GrantTypes)
	assert.False(t, *got.PKCERequired)
	assert.False(t, *got.RefreshRotation)
	assert.EqualValues(t, 600, got.AccessTokenTTL)
}

func TestValidateRegistrationErrors(t *testing.T) {
	t.Parallel()

	valid := []string{"https://app.example.com/callback"}
	tooMany := make([]string, MaxRedirectURICount+1)
	for i := range tooMany {
		tooMany[i] = valid[0]
	}

	tests := []struct {
		name     string
		req      ClientRegistration
		wantCode string
	}{
		{
			name:     "no redirect uris",
			req:      ClientRegistration{},
			wantCode: ErrorInvalidRedirectURI,
		},
		{
			name:     "too many redirect uris",
			req:      ClientRegistration{RedirectURIs: tooMany},
			wantCode: ErrorInvalidRedirectURI,
		},
		{
			name:     "bad redirect uri",
			req:      ClientRegistration{RedirectURIs: []string{"http://evil.example.com/cb"}},
			wantCode: ErrorInvalidRedirectURI,
		},
		{
			name:     "client name too long",
			req:      ClientRegistration{RedirectURIs: valid, ClientName: strings.Repeat("a", MaxClientNameLength+1)},
			wantCode: ErrorInvalidClientMetadata,
		},
		{
			name:     "refresh only",
			req:      ClientRegistration{RedirectURIs: valid, GrantTypes: []string{"refresh_token"}},
			wantCode: ErrorInvalidClientMetadata,
		},
		{
			name:     "client credentials",
			req:      ClientRegistration{RedirectURIs: valid, GrantTypes: []string{"authorization_code", "client_credentials"}},
			wantCode: ErrorInvalidClientMetadata,
		},
		{
			name:     "implicit response type",
			req:      ClientRegistration{RedirectURIs: valid, ResponseTypes: []string{"token"}},
			wantCode: ErrorInvalidClientMetadata,
		},
		{
			name:     "negative ttl",
			req:      ClientRegistration{RedirectURIs: valid, AccessTokenTTL: -1},
			wantCode: ErrorInvalidClientMetadata,
		},
		{
			name:     "ttl above cap",
			req:      ClientRegistration{RedirectURIs: valid, RefreshTokenTTL: int64(MaxTokenTTL.Seconds()) + 1},
			wantCode: ErrorInvalidClientMetadata,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateRegistration(&tt.req)
			assert.Nil(t, got)
			require.NotNil(t, err)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.NotEmpty(t, err.Description)
		})
	}
}

func TestValidateRedirectURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri   string
		valid bool
	}{
		{"https://app.example.com/callback", true},
		{"https://app.example.com:8443/cb?x=1", true},
		{"http://localhost:3000/cb", true},
		{"http://127.0.0.1/cb", true},
		{"http://[::1]:9000/cb", true},
		{"http://app.example.com/cb", false},
		{"https://app.example.com/cb#frag", false},
		{"/relative/cb", false},
		{"custom-scheme://cb", false},
		{"javascript:alert(1)", false},
		{"https://" + strings.Repeat("a", MaxRedirectURILength) + ".com", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri[:min(len(tt.uri), 40)], func(t *testing.T) {
			t.Parallel()
			err := ValidateRedirectURI(tt.uri)
			if tt.valid {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, ErrorInvalidRedirectURI, err.Code)
		})
	}
}
