// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/tenantauth/pkg/authserver/server/authorization"
	"github.com/stacklok/tenantauth/pkg/authserver/server/token"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// maxTokenRequestSize bounds token and revocation request bodies.
const maxTokenRequestSize = 16 * 1024

// TokenHandler handles POST /{tenant}/oauth/token requests for the
// authorization_code and refresh_token grants. Failures are RFC 6749
// Section 5.2 error responses.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	req.Body = http.MaxBytesReader(w, req.Body, maxTokenRequestSize)
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, fosite.ErrInvalidRequest.WithHint("The request body could not be parsed."))
		return
	}
	form := req.PostForm
	clientID := requestClientID(req)

	var (
		resp *token.Response
		err  error
	)
	switch grantType := form.Get("grant_type"); grantType {
	case token.GrantTypeAuthorizationCode:
		resp, err = h.authz.Exchange(ctx, authorization.ExchangeRequest{
			TenantID:     tenantID,
			ClientID:     clientID,
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: authorization.VerifierFromParams(form),
		})
	case token.GrantTypeRefreshToken:
		client, clientErr := h.registry.Client(ctx, tenantID, clientID)
		if clientErr != nil {
			err = clientErr
			break
		}
		resp, err = h.issuer.Refresh(ctx, tenantID, client, form.Get("refresh_token"))
	case "":
		err = fosite.ErrInvalidRequest.WithHint("The 'grant_type' parameter is missing.")
	default:
		logger.Debugw("unsupported grant type", "tenant_id", tenantID, "grant_type", grantType)
		err = fosite.ErrUnsupportedGrantType
	}
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// RevokeHandler handles POST /{tenant}/oauth/revoke requests (RFC 7009).
// Unknown tokens and tokens of other clients are answered like revoked ones.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)

	req.Body = http.MaxBytesReader(w, req.Body, maxTokenRequestSize)
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, fosite.ErrInvalidRequest.WithHint("The request body could not be parsed."))
		return
	}
	value := req.PostForm.Get("token")
	if value == "" {
		writeOAuthError(w, fosite.ErrInvalidRequest.WithHint("The 'token' parameter is missing."))
		return
	}

	client, err := h.registry.Client(ctx, tenantID, requestClientID(req))
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if err := h.issuer.Revoke(ctx, tenantID, client.ClientID, value); err != nil {
		writeOAuthError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// requestClientID reads client_id from the form, falling back to the user
// part of HTTP Basic credentials.
func requestClientID(req *http.Request) string {
	if id := req.PostForm.Get("client_id"); id != "" {
		return id
	}
	if id, _, ok := req.BasicAuth(); ok {
		return id
	}
	return ""
}

// toRFC6749Error maps an error to its OAuth error. Invalid grants carry only
// the generic description, so a client never learns which check failed.
func toRFC6749Error(err error) *fosite.RFC6749Error {
	var rfcErr *fosite.RFC6749Error
	if errors.As(err, &rfcErr) {
		return rfcErr
	}

	var e *taerrors.Error
	message := ""
	if errors.As(err, &e) {
		message = e.Message
	}
	switch taerrors.TypeOf(err) {
	case taerrors.ErrInvalidGrant:
		return fosite.ErrInvalidGrant
	case taerrors.ErrInvalidClient:
		return fosite.ErrInvalidClient
	case taerrors.ErrInvalidArgument, taerrors.ErrTenantUnresolved:
		return fosite.ErrInvalidRequest.WithHint(message)
	case taerrors.ErrUnauthorized:
		return fosite.ErrAccessDenied
	default:
		return fosite.ErrServerError
	}
}

// writeOAuthError writes an error response per RFC 6749 Section 5.2.
func writeOAuthError(w http.ResponseWriter, err error) {
	rfcErr := toRFC6749Error(err)
	if rfcErr.CodeField >= http.StatusInternalServerError {
		logger.Errorw("token endpoint failure", "error", err)
	}

	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if rfcErr.CodeField == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	w.WriteHeader(rfcErr.CodeField)
	if encErr := json.NewEncoder(w).Encode(taerrors.ErrorBody{
		Error:            rfcErr.ErrorField,
		ErrorDescription: rfcErr.GetDescription(),
	}); encErr != nil {
		logger.Debugw("failed to encode OAuth error response", "error", encErr)
	}
}
