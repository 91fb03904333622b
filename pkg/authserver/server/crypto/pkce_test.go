// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestGeneratePKCEVerifier(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()

	// RFC 7636: code_verifier must be 43-128 characters
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.LessOrEqual(t, len(verifier), 128)
	assert.True(t, IsValidVerifier(verifier))
	assert.NotEqual(t, verifier, GeneratePKCEVerifier())
}

func TestComputePKCEChallenge_RFC7636Example(t *testing.T) {
	t.Parallel()

	// RFC 7636 Appendix B example
	assert.Equal(t, rfcChallenge, ComputePKCEChallenge(rfcVerifier))
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	plainVerifier := strings.Repeat("a", 43)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		want      bool
	}{
		{name: "S256 match", challenge: rfcChallenge, method: PKCEChallengeMethodS256, verifier: rfcVerifier, want: true},
		{name: "S256 mismatch", challenge: rfcChallenge, method: PKCEChallengeMethodS256, verifier: plainVerifier, want: false},
		{name: "plain match", challenge: plainVerifier, method: PKCEChallengeMethodPlain, verifier: plainVerifier, want: true},
		{name: "plain does not accept S256 challenge", challenge: rfcChallenge, method: PKCEChallengeMethodPlain, verifier: rfcVerifier, want: false},
		{name: "unknown method", challenge: rfcChallenge, method: "S512", verifier: rfcVerifier, want: false},
		{name: "empty challenge", challenge: "", method: PKCEChallengeMethodPlain, verifier: plainVerifier, want: false},
		{name: "short verifier", challenge: "abc", method: PKCEChallengeMethodPlain, verifier: "abc", want: false},
		{name: "verifier with bad characters", challenge: strings.Repeat("a", 42) + "!", method: PKCEChallengeMethodPlain, verifier: strings.Repeat("a", 42) + "!", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, VerifyPKCE(tt.challenge, tt.method, tt.verifier))
		})
	}
}

func TestIsSupportedChallengeMethod(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSupportedChallengeMethod("S256"))
	assert.True(t, IsSupportedChallengeMethod("plain"))
	assert.False(t, IsSupportedChallengeMethod("s256"))
	assert.False(t, IsSupportedChallengeMethod(""))
}
