package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/audit"
	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/auth"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      *auth.User `json:"user"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.auth.Register(r.Context(), req.Name, req.Email, req.Password, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAlreadyExists):
			writeError(w, r, http.StatusBadRequest, "User with this email already exists")
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			a.writeInternalError(w, r, "Internal server error during registration", err)
		}
		return
	}
	token, expiresAt, err := a.auth.IssueSession(user)
	if err != nil {
		a.writeInternalError(w, r, "Internal server error during registration", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.user.registered", map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
		"role":    string(user.Role),
	})
	writeJSON(w, http.StatusCreated, sessionResponse{
		Success:   true,
		Message:   "User registered successfully",
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, token, expiresAt, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			writeError(w, r, http.StatusUnauthorized, "Invalid login credentials")
			return
		}
		a.writeInternalError(w, r, "Internal server error during login", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.user.login", map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:   true,
		Message:   "Login successful",
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	})
}

// handleLogout is a client-side no-op: session credentials are stateless and
// stay valid until expiry. Kept as an audited endpoint so the dashboard has
// something to call; a server-side denylist would be the real fix.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	_ = audit.LogEvent(r.Context(), "auth.user.logout", map[string]any{
		"user_id": identity.SubjectID,
	})
	writeSuccess(w, http.StatusOK, "Logout successful", nil)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	user, err := a.auth.CurrentUser(r.Context(), identity.SubjectID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "User not found")
		case errors.Is(err, auth.ErrInvalidCredential):
			writeError(w, r, http.StatusUnauthorized, "Account is deactivated")
		default:
			a.writeInternalError(w, r, "Token verification failed", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	user, err := a.auth.CurrentUser(r.Context(), identity.SubjectID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "User not found")
			return
		}
		a.writeInternalError(w, r, "profile lookup failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", map[string]any{
		"user":       user,
		"credential": identity.Kind,
	})
}

type updateProfileRequest struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleProfile reads or updates the caller's own account. Role and email
// changes are not part of this surface.
func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleMe(w, r)
	case http.MethodPut:
		a.updateProfile(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.auth.UpdateProfile(r.Context(), identity.SubjectID, auth.UpdateProfileInput{
		Name:   req.Name,
		Avatar: req.Avatar,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "User not found")
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			a.writeInternalError(w, r, "Internal server error while updating profile", err)
		}
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.user.profile_updated", map[string]any{
		"user_id": user.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Profile updated successfully",
		"user":    user,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	identity, err := auth.RequireAuthenticated(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err = a.auth.ChangePassword(r.Context(), identity.SubjectID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredential):
			writeError(w, r, http.StatusBadRequest, "Current password is incorrect")
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "User not found")
		default:
			a.writeInternalError(w, r, "Internal server error while changing password", err)
		}
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.user.password_changed", map[string]any{
		"user_id": identity.SubjectID,
	})
	writeSuccess(w, http.StatusOK, "Password changed successfully", nil)
}

// handleStatus serves both anonymous and authenticated callers; a broken or
// missing credential downgrades to the anonymous answer instead of a 401.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"subject_id":    identity.SubjectID,
		"role":          identity.Role,
		"credential":    identity.Kind,
	})
}
