// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorization

import (
	"net/url"
	"strings"

	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
)

// Canonical PKCE parameter names (RFC 7636).
const (
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamCodeVerifier        = "code_verifier"
)

// Clients in the wild send PKCE parameters under several names. The
// canonical name always wins when more than one is present.
var (
	challengeParams = []string{
		ParamCodeChallenge, "codeChallenge", "code-challenge", "pkce_code_challenge", "challenge",
	}
	challengeMethodParams = []string{
		ParamCodeChallengeMethod, "codeChallengeMethod", "code-challenge-method", "pkce_code_challenge_method", "challenge_method",
	}
	verifierParams = []string{
		ParamCodeVerifier, "codeVerifier", "code-verifier", "pkce_code_verifier", "verifier",
	}
)

// ChallengeFromParams extracts the PKCE challenge and method from request
// parameters, accepting the known name variants.
func ChallengeFromParams(values url.Values) (challenge, method string) {
	return firstParam(values, challengeParams), firstParam(values, challengeMethodParams)
}

// VerifierFromParams extracts the PKCE verifier from request parameters,
// accepting the known name variants.
func VerifierFromParams(values url.Values) string {
	return firstParam(values, verifierParams)
}

func firstParam(values url.Values, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(values.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// canonicalMethod maps a challenge method to its RFC 7636 spelling. Unknown
// methods are returned unchanged.
func canonicalMethod(method string) string {
	switch {
	case strings.EqualFold(method, servercrypto.PKCEChallengeMethodS256):
		return servercrypto.PKCEChallengeMethodS256
	case strings.EqualFold(method, servercrypto.PKCEChallengeMethodPlain):
		return servercrypto.PKCEChallengeMethodPlain
	default:
		return method
	}
}
