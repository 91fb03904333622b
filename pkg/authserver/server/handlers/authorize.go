// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/tenantauth/pkg/authserver/server/authorization"
	taerrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
	"github.com/stacklok/tenantauth/pkg/tenant"
)

// AuthorizeHandler handles GET /{tenant}/oauth/authorize requests.
// The principal is the user logged into the request's tenant-bound session;
// the login UI lives elsewhere. On success the user agent is redirected back
// to the client with the code and the client's state.
//
// Errors are never redirected: until the client and redirect URI have been
// validated there is no safe place to send them.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tenantID := tenant.MustFromContext(ctx)
	session, _ := tenant.SessionFromContext(ctx)

	principal, err := h.userResolver.ResolvePrincipal(ctx, tenantID, session)
	if err != nil {
		taerrors.WriteHTTPError(w, err)
		return
	}

	params := req.URL.Query()
	challenge, method := authorization.ChallengeFromParams(params)
	code, err := h.authz.Authorize(ctx, authorization.AuthorizeRequest{
		TenantID:            tenantID,
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		ResponseType:        params.Get("response_type"),
		Scopes:              strings.Fields(params.Get("scope")),
		Nonce:               params.Get("nonce"),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Principal:           principal,
	})
	if err != nil {
		logger.Debugw("authorization request rejected", "tenant_id", tenantID, "error", err)
		taerrors.WriteHTTPError(w, err)
		return
	}

	target, err := url.Parse(code.RedirectURI)
	if err != nil {
		taerrors.WriteHTTPError(w, taerrors.NewInternalError("stored redirect URI is invalid", err))
		return
	}
	query := target.Query()
	query.Set("code", code.Code)
	if state := params.Get("state"); state != "" {
		query.Set("state", state)
	}
	query.Set("iss", h.issuer.Issuer(tenantID))
	target.RawQuery = query.Encode()

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, req, target.String(), http.StatusFound)
}
