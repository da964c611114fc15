package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/audit"
	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/auth"
)

type createTokenRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Permissions []string        `json:"permissions"`
	ExpiresAt   *time.Time      `json:"expires_at"`
	RateLimit   *auth.RateLimit `json:"rate_limit"`
}

type updateTokenRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	IsActive    *bool           `json:"is_active"`
	Permissions []string        `json:"permissions"`
	ExpiresAt   json.RawMessage `json:"expires_at"`
	RateLimit   *auth.RateLimit `json:"rate_limit"`
}

func (a *API) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTokens(w, r)
	case http.MethodPost:
		a.createToken(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleTokenScoped routes everything under /api/api-tokens/: the stats
// aggregate, single-token CRUD, and the revoke/activate toggles.
func (a *API) handleTokenScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/api-tokens/")
	if rest == "" {
		a.handleTokens(w, r)
		return
	}
	if rest == "stats" {
		a.tokenStats(w, r)
		return
	}
	id, action, _ := strings.Cut(rest, "/")
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getToken(w, r, id)
		case http.MethodPut:
			a.updateToken(w, r, id)
		case http.MethodDelete:
			a.deleteToken(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
		}
	case "revoke":
		a.setTokenActive(w, r, id, false)
	case "activate":
		a.setTokenActive(w, r, id, true)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) listTokens(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	tokens, err := a.auth.ListTokens(r.Context(), identity.SubjectID)
	if err != nil {
		a.writeInternalError(w, r, "Failed to fetch API tokens", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(tokens),
		"data":    tokens,
	})
}

func (a *API) createToken(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, secret, err := a.auth.CreateToken(r.Context(), identity.SubjectID, auth.CreateTokenInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
		ExpiresAt:   req.ExpiresAt,
		RateLimit:   req.RateLimit,
	})
	if err != nil {
		a.writeTokenError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.created", map[string]any{
		"token_id":    token.ID,
		"token_name":  token.Name,
		"permissions": token.Permissions,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "API token created successfully. Save this token securely - it will not be shown again!",
		"token":   secret,
		"data":    token,
	})
}

func (a *API) getToken(w http.ResponseWriter, r *http.Request, id string) {
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	token, err := a.auth.GetToken(r.Context(), id, identity.SubjectID)
	if err != nil {
		a.writeTokenError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", token)
}

func (a *API) updateToken(w http.ResponseWriter, r *http.Request, id string) {
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	var req updateTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in := auth.UpdateTokenInput{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
		Permissions: req.Permissions,
		RateLimit:   req.RateLimit,
	}
	// An explicit null clears the expiry; an absent field leaves it alone.
	if len(req.ExpiresAt) > 0 {
		if string(req.ExpiresAt) == "null" {
			in.ClearExpiresAt = true
		} else {
			var ts time.Time
			if err := json.Unmarshal(req.ExpiresAt, &ts); err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid expires_at")
				return
			}
			in.ExpiresAt = &ts
		}
	}
	token, err := a.auth.UpdateToken(r.Context(), id, identity.SubjectID, in)
	if err != nil {
		a.writeTokenError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.updated", map[string]any{
		"token_id": token.ID,
	})
	writeSuccess(w, http.StatusOK, "API token updated successfully", token)
}

func (a *API) setTokenActive(w http.ResponseWriter, r *http.Request, id string, active bool) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	token, err := a.auth.SetTokenActive(r.Context(), id, identity.SubjectID, active)
	if err != nil {
		a.writeTokenError(w, r, err)
		return
	}
	event, message := "auth.token.revoked", "API token revoked successfully"
	if active {
		event, message = "auth.token.activated", "API token activated successfully"
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"token_id": token.ID,
	})
	writeSuccess(w, http.StatusOK, message, token)
}

func (a *API) deleteToken(w http.ResponseWriter, r *http.Request, id string) {
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	if err := a.auth.DeleteToken(r.Context(), id, identity.SubjectID); err != nil {
		a.writeTokenError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.deleted", map[string]any{
		"token_id": id,
	})
	writeSuccess(w, http.StatusOK, "API token deleted successfully", nil)
}

func (a *API) tokenStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	stats, err := a.auth.ComputeTokenStats(r.Context(), identity.SubjectID)
	if err != nil {
		a.writeInternalError(w, r, "Failed to fetch token statistics", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", stats)
}

// writeTokenError maps token management failures onto the response envelope.
func (a *API) writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "API token not found")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "an API token with this name already exists")
	default:
		a.writeInternalError(w, r, "internal error", err)
	}
}
