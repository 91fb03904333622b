// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	taerrors "github.com/stacklok/tenantauth/pkg/errors"
)

// DiscoverTenantHandler handles GET /tenant/discover?email= requests. It
// tells a login page which tenant an email belongs to and which identity
// providers that tenant offers.
func (h *Handler) DiscoverTenantHandler(w http.ResponseWriter, req *http.Request) {
	discovery, err := h.registry.DiscoverTenant(req.Context(), req.URL.Query().Get("email"))
	if err != nil {
		taerrors.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, discovery)
}
