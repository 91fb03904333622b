// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

const (
	// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
	PKCEChallengeMethodS256 = "S256"

	// PKCEChallengeMethodPlain compares the verifier with the challenge directly.
	// It is the default when a challenge arrives without a method (RFC 7636 Section 4.3).
	PKCEChallengeMethodPlain = "plain"
)

// RFC 7636 Section 4.1 bounds for code_verifier.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1.
// The verifier is 43 characters (32 bytes base64url encoded without padding),
// using characters from the base64url alphabet: [A-Z], [a-z], [0-9], "-", "_".
//
// This function delegates to oauth2.GenerateVerifier() from golang.org/x/oauth2.
// It will panic on crypto/rand read failure (which is appropriate for this case).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// IsSupportedChallengeMethod reports whether method is plain or S256.
func IsSupportedChallengeMethod(method string) bool {
	return method == PKCEChallengeMethodS256 || method == PKCEChallengeMethodPlain
}

// IsValidVerifier reports whether verifier has the length and alphabet of
// RFC 7636 Section 4.1: [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func IsValidVerifier(verifier string) bool {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyPKCE checks verifier against the stored challenge using the stored
// method. Comparison is constant time.
func VerifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" || !IsValidVerifier(verifier) {
		return false
	}

	var computed string
	switch method {
	case PKCEChallengeMethodS256:
		computed = ComputePKCEChallenge(verifier)
	case PKCEChallengeMethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
