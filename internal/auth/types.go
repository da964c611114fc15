package auth

import (
	"strings"
	"time"
)

// Role is the normalized user role. The legacy is_admin boolean still present
// in old user rows and old session tokens is folded into RoleAdmin at the
// store/verifier boundary and never carried further.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleUser   Role = "user"
)

// NormalizeRole maps a raw role string plus the deprecated admin flag onto a
// Role. Unknown roles degrade to RoleUser.
func NormalizeRole(raw string, legacyAdmin bool) Role {
	if legacyAdmin {
		return RoleAdmin
	}
	switch Role(strings.TrimSpace(strings.ToLower(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleEditor:
		return RoleEditor
	default:
		return RoleUser
	}
}

// Permission is a capability grantable to an API token.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	PermissionAdmin  Permission = "admin"
)

// ParsePermission validates a raw permission string.
func ParsePermission(raw string) (Permission, bool) {
	switch Permission(strings.TrimSpace(strings.ToLower(raw))) {
	case PermissionRead:
		return PermissionRead, true
	case PermissionWrite:
		return PermissionWrite, true
	case PermissionDelete:
		return PermissionDelete, true
	case PermissionAdmin:
		return PermissionAdmin, true
	default:
		return "", false
	}
}

// PermissionSet is the set of capabilities attached to a credential.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from a slice, ignoring duplicates.
func NewPermissionSet(perms []Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether the set contains the permission.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// AllowsWrite reports whether the set permits state-mutating requests.
func (s PermissionSet) AllowsWrite() bool {
	return s.Has(PermissionWrite) || s.Has(PermissionAdmin)
}

// Slice returns the permissions in declaration order for serialization.
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for _, p := range []Permission{PermissionRead, PermissionWrite, PermissionDelete, PermissionAdmin} {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Permissions implied by a role for session credentials. Session users always
// hold read/write/delete on their own behalf; admin-only routes are gated by
// role, not by this set.
func (r Role) Permissions() PermissionSet {
	if r == RoleAdmin {
		return NewPermissionSet([]Permission{PermissionRead, PermissionWrite, PermissionDelete, PermissionAdmin})
	}
	return NewPermissionSet([]Permission{PermissionRead, PermissionWrite, PermissionDelete})
}

// CredentialKind distinguishes how an identity was established.
type CredentialKind string

const (
	CredentialSession  CredentialKind = "session"
	CredentialAPIToken CredentialKind = "api_token"
)

// Identity is the request-scoped result of authentication. It lives only in
// the request context and is never persisted.
type Identity struct {
	SubjectID   string
	Email       string
	Name        string
	Role        Role
	Permissions PermissionSet
	Kind        CredentialKind

	// Set only for API-token identities, for audit trails.
	TokenID   string
	TokenName string
}

// IsAdmin reports whether the identity holds the admin role.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// User is a stored account record.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Avatar       string    `json:"avatar,omitempty"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RateLimit is the per-token request budget. Only the per-minute budget is
// enforced in-process; the per-day figure is carried for reporting.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerDay    int `json:"requests_per_day"`
}

// DefaultRateLimit mirrors the defaults the dashboard offers on creation.
var DefaultRateLimit = RateLimit{RequestsPerMinute: 60, RequestsPerDay: 1000}

// APIToken is a stored opaque credential. The plaintext secret exists only in
// the creation response; rows keep its sha256 digest and a masked rendering.
type APIToken struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	SecretHash  string       `json:"-"`
	Prefix      string       `json:"prefix"`
	Masked      string       `json:"masked_token"`
	OwnerID     string       `json:"created_by"`
	Permissions []Permission `json:"permissions"`
	RateLimit   RateLimit    `json:"rate_limit"`
	IsActive    bool         `json:"is_active"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	UsageCount  int64        `json:"usage_count"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	LastUsedIP  string       `json:"last_used_ip,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Expired reports whether the token is past its expiry at the given instant.
// Tokens without an expiry never expire.
func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// PermissionSet returns the token grants as a set.
func (t *APIToken) PermissionSet() PermissionSet {
	return NewPermissionSet(t.Permissions)
}

// TokenStats summarizes an owner's tokens for the dashboard.
type TokenStats struct {
	Total        int              `json:"total"`
	Active       int              `json:"active"`
	Inactive     int              `json:"inactive"`
	Expired      int              `json:"expired"`
	TotalUsage   int64            `json:"total_usage"`
	RecentlyUsed []TokenUsageInfo `json:"recently_used"`
}

// TokenUsageInfo is a compact recently-used entry inside TokenStats.
type TokenUsageInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	LastUsedAt time.Time `json:"last_used_at"`
	UsageCount int64     `json:"usage_count"`
}
