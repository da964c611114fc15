package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/ids"
	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/obs"
)

const (
	defaultSessionTTL   = 7 * 24 * time.Hour
	defaultUsageTimeout = 5 * time.Second
)

// Service implements credential issuance, request authentication and the API
// token lifecycle on top of a Store.
type Service struct {
	store Store

	secret     []byte
	issuer     string
	sessionTTL time.Duration

	now          func() time.Time
	limiters     *tokenLimiters
	usageTimeout time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithIssuer overrides the session token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) { s.issuer = strings.TrimSpace(issuer) }
}

// WithSessionTTL configures session credential lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithUsageTimeout bounds the background usage-accounting write.
func WithUsageTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.usageTimeout = d
		}
	}
}

// NewService constructs a Service. The signing secret is mandatory: there is
// deliberately no fallback value, a process without a configured secret must
// not come up.
func NewService(store Store, secret string, opts ...ServiceOption) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is not configured")
	}
	svc := &Service{
		store:        store,
		secret:       []byte(secret),
		issuer:       "epsoldev",
		sessionTTL:   defaultSessionTTL,
		now:          time.Now,
		limiters:     newTokenLimiters(),
		usageTimeout: defaultUsageTimeout,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Authenticate resolves a bearer credential into an identity. The HTTP method
// drives the write-permission check for API tokens; remoteIP is recorded in
// the token's usage trail.
func (s *Service) Authenticate(ctx context.Context, credential, method, remoteIP string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	if IsAPIToken(credential) {
		return s.verifyAPIToken(ctx, credential, method, remoteIP)
	}
	return s.verifySession(credential)
}

// AuthenticateOptional is Authenticate for routes that serve both anonymous
// and authenticated callers: every verification failure, including a missing
// credential, yields an anonymous result instead of an error. This swallowing
// is deliberate policy, not an oversight.
func (s *Service) AuthenticateOptional(ctx context.Context, credential, method, remoteIP string) (Identity, bool) {
	identity, err := s.Authenticate(ctx, credential, method, remoteIP)
	if err != nil {
		return Identity{}, false
	}
	return identity, true
}

func (s *Service) verifyAPIToken(ctx context.Context, credential, method, remoteIP string) (Identity, error) {
	if !ValidAPITokenFormat(credential) {
		return Identity{}, ErrInvalidFormat
	}
	token, owner, err := s.store.Tokens().FindByHash(ctx, HashSecret(credential))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, ErrInvalidCredential
		}
		return Identity{}, fmt.Errorf("token lookup: %w", err)
	}
	now := s.now().UTC()
	if !token.IsActive || !owner.IsActive {
		return Identity{}, ErrInvalidCredential
	}
	if token.Expired(now) {
		return Identity{}, ErrCredentialExpired
	}
	perms := token.PermissionSet()
	if isWriteMethod(method) && !perms.AllowsWrite() {
		return Identity{}, ErrInsufficientPermission
	}
	if !s.limiters.allow(token.ID, token.RateLimit.RequestsPerMinute, now) {
		return Identity{}, ErrRateLimited
	}

	// Usage accounting is fire-and-forget: the authorization decision is
	// already made, a failed write must not take the request down with it.
	s.recordUsage(token.ID, remoteIP)

	return Identity{
		SubjectID:   owner.ID,
		Email:       owner.Email,
		Name:        owner.Name,
		Role:        owner.Role,
		Permissions: perms,
		Kind:        CredentialAPIToken,
		TokenID:     token.ID,
		TokenName:   token.Name,
	}, nil
}

func (s *Service) recordUsage(tokenID, remoteIP string) {
	at := s.now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.usageTimeout)
		defer cancel()
		if err := s.store.Tokens().RecordUsage(ctx, tokenID, remoteIP, at); err != nil {
			obs.LogJSON("warn", "token_usage_accounting_failed", map[string]any{
				"token_id": tokenID,
				"err":      err.Error(),
			})
		}
	}()
}

func isWriteMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// RequireAuthenticated is the authorization gate for any-identity routes.
func RequireAuthenticated(ctx context.Context) (Identity, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return identity, nil
}

// RequireAdmin is the authorization gate for admin-only routes.
func RequireAdmin(ctx context.Context) (Identity, error) {
	identity, err := RequireAuthenticated(ctx)
	if err != nil {
		return Identity{}, err
	}
	if !identity.IsAdmin() {
		return Identity{}, ErrForbidden
	}
	return identity, nil
}

// Register creates a new account. Passwords are stored as bcrypt hashes only.
func (s *Service) Register(ctx context.Context, name, email, password, role string) (*User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))
	if name == "" || email == "" {
		return nil, fmt.Errorf("%w: name and email are required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         NormalizeRole(role, false),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login authenticates credentials and issues a session token. Every failure
// mode collapses into ErrInvalidCredential so responses do not leak whether
// the account exists.
func (s *Service) Login(ctx context.Context, email, password string) (*User, string, time.Time, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, "", time.Time{}, ErrInvalidCredential
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", time.Time{}, ErrInvalidCredential
		}
		return nil, "", time.Time{}, fmt.Errorf("user lookup: %w", err)
	}
	if !user.IsActive {
		return nil, "", time.Time{}, ErrInvalidCredential
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, "", time.Time{}, ErrInvalidCredential
	}
	token, expiresAt, err := s.IssueSession(user)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return user, token, expiresAt, nil
}

// CurrentUser loads the account behind an identity, rejecting deactivated
// accounts.
func (s *Service) CurrentUser(ctx context.Context, subjectID string) (*User, error) {
	user, err := s.store.Users().Find(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidCredential
	}
	return user, nil
}

// UpdateProfileInput carries the account fields a user may change about
// themselves. Nil fields are left untouched.
type UpdateProfileInput struct {
	Name   *string
	Avatar *string
}

// UpdateProfile applies partial changes to the caller's own account.
func (s *Service) UpdateProfile(ctx context.Context, subjectID string, in UpdateProfileInput) (*User, error) {
	user, err := s.store.Users().Find(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
		}
		user.Name = name
	}
	if in.Avatar != nil {
		user.Avatar = strings.TrimSpace(*in.Avatar)
	}
	user.UpdatedAt = s.now().UTC()
	if err := s.store.Users().Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ChangePassword replaces the caller's password after re-verifying the
// current one. A wrong current password maps to ErrInvalidCredential so the
// handler can distinguish it from malformed input.
func (s *Service) ChangePassword(ctx context.Context, subjectID, currentPassword, newPassword string) error {
	if currentPassword == "" || newPassword == "" {
		return fmt.Errorf("%w: current and new password are required", ErrInvalidInput)
	}
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: new password must be at least %d characters long", ErrInvalidInput, minPasswordLength)
	}
	user, err := s.store.Users().Find(ctx, subjectID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, currentPassword); err != nil {
		return ErrInvalidCredential
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = s.now().UTC()
	return s.store.Users().Update(ctx, user)
}

// CreateTokenInput carries the caller-settable fields for a new API token.
type CreateTokenInput struct {
	Name        string
	Description string
	Permissions []string
	ExpiresAt   *time.Time
	RateLimit   *RateLimit
}

// CreateToken mints a new opaque token for the owner. The returned secret is
// the only time the plaintext exists outside the caller: storage keeps the
// digest and the masked rendering.
func (s *Service) CreateToken(ctx context.Context, ownerID string, in CreateTokenInput) (*APIToken, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: token name is required", ErrInvalidInput)
	}
	perms, err := parsePermissions(in.Permissions)
	if err != nil {
		return nil, "", err
	}
	if len(perms) == 0 {
		perms = []Permission{PermissionRead}
	}
	limit := DefaultRateLimit
	if in.RateLimit != nil {
		if in.RateLimit.RequestsPerMinute > 0 {
			limit.RequestsPerMinute = in.RateLimit.RequestsPerMinute
		}
		if in.RateLimit.RequestsPerDay > 0 {
			limit.RequestsPerDay = in.RateLimit.RequestsPerDay
		}
	}
	secret, prefix, err := GenerateAPISecret()
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	token := &APIToken{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		SecretHash:  HashSecret(secret),
		Prefix:      prefix,
		Masked:      MaskSecret(secret),
		OwnerID:     ownerID,
		Permissions: perms,
		RateLimit:   limit,
		IsActive:    true,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Tokens().Create(ctx, token); err != nil {
		return nil, "", err
	}
	return token, secret, nil
}

// UpdateTokenInput carries optional mutations; nil fields stay untouched.
// ClearExpiresAt distinguishes "expiry removed" from "expiry unchanged".
type UpdateTokenInput struct {
	Name           *string
	Description    *string
	IsActive       *bool
	Permissions    []string
	ExpiresAt      *time.Time
	ClearExpiresAt bool
	RateLimit      *RateLimit
}

// UpdateToken mutates metadata of an owner's token.
func (s *Service) UpdateToken(ctx context.Context, id, ownerID string, in UpdateTokenInput) (*APIToken, error) {
	token, err := s.store.Tokens().Find(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: token name is required", ErrInvalidInput)
		}
		token.Name = name
	}
	if in.Description != nil {
		token.Description = strings.TrimSpace(*in.Description)
	}
	if in.IsActive != nil {
		token.IsActive = *in.IsActive
	}
	if in.Permissions != nil {
		perms, err := parsePermissions(in.Permissions)
		if err != nil {
			return nil, err
		}
		if len(perms) == 0 {
			return nil, fmt.Errorf("%w: at least one permission is required", ErrInvalidInput)
		}
		token.Permissions = perms
	}
	if in.ClearExpiresAt {
		token.ExpiresAt = nil
	} else if in.ExpiresAt != nil {
		token.ExpiresAt = in.ExpiresAt
	}
	if in.RateLimit != nil {
		if in.RateLimit.RequestsPerMinute > 0 {
			token.RateLimit.RequestsPerMinute = in.RateLimit.RequestsPerMinute
		}
		if in.RateLimit.RequestsPerDay > 0 {
			token.RateLimit.RequestsPerDay = in.RateLimit.RequestsPerDay
		}
	}
	token.UpdatedAt = s.now().UTC()
	if err := s.store.Tokens().Update(ctx, token); err != nil {
		return nil, err
	}
	s.limiters.forget(token.ID)
	return token, nil
}

// SetTokenActive revokes (false) or reactivates (true) a token. Revocation is
// the soft-delete path; Delete removes the row for good.
func (s *Service) SetTokenActive(ctx context.Context, id, ownerID string, active bool) (*APIToken, error) {
	token, err := s.store.Tokens().Find(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	token.IsActive = active
	token.UpdatedAt = s.now().UTC()
	if err := s.store.Tokens().Update(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// GetToken loads a single owner-scoped token.
func (s *Service) GetToken(ctx context.Context, id, ownerID string) (*APIToken, error) {
	return s.store.Tokens().Find(ctx, id, ownerID)
}

// ListTokens returns the owner's tokens, newest first.
func (s *Service) ListTokens(ctx context.Context, ownerID string) ([]*APIToken, error) {
	return s.store.Tokens().ListByOwner(ctx, ownerID)
}

// DeleteToken removes a token permanently.
func (s *Service) DeleteToken(ctx context.Context, id, ownerID string) error {
	if err := s.store.Tokens().Delete(ctx, id, ownerID); err != nil {
		return err
	}
	s.limiters.forget(id)
	return nil
}

// ComputeTokenStats summarizes the owner's tokens.
func (s *Service) ComputeTokenStats(ctx context.Context, ownerID string) (*TokenStats, error) {
	tokens, err := s.store.Tokens().ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	stats := &TokenStats{RecentlyUsed: []TokenUsageInfo{}}
	var used []*APIToken
	for _, t := range tokens {
		stats.Total++
		if t.IsActive {
			stats.Active++
		} else {
			stats.Inactive++
		}
		if t.Expired(now) {
			stats.Expired++
		}
		stats.TotalUsage += t.UsageCount
		if t.LastUsedAt != nil {
			used = append(used, t)
		}
	}
	sort.Slice(used, func(i, j int) bool {
		return used[i].LastUsedAt.After(*used[j].LastUsedAt)
	})
	if len(used) > 5 {
		used = used[:5]
	}
	for _, t := range used {
		stats.RecentlyUsed = append(stats.RecentlyUsed, TokenUsageInfo{
			ID:         t.ID,
			Name:       t.Name,
			LastUsedAt: *t.LastUsedAt,
			UsageCount: t.UsageCount,
		})
	}
	return stats, nil
}

// parsePermissions validates raw grant names and returns them deduplicated
// in canonical order.
func parsePermissions(raw []string) ([]Permission, error) {
	set := make(PermissionSet, len(raw))
	for _, r := range raw {
		p, ok := ParsePermission(r)
		if !ok {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, r)
		}
		set[p] = struct{}{}
	}
	return set.Slice(), nil
}
