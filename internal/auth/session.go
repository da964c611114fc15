package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// sessionClaims is the JWT payload for session credentials. The is_admin
// claim is accepted for tokens minted by the previous backend generation and
// folded into the role on verification.
type sessionClaims struct {
	Role    string `json:"role"`
	IsAdmin bool   `json:"is_admin,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueSession signs a session credential for the user. Verification is
// stateless: the claims alone establish the identity until expiry, and there
// is no server-side revocation (logout stays a client-side no-op).
func (s *Service) IssueSession(user *User) (string, time.Time, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, ErrInvalidInput
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.sessionTTL)
	claims := sessionClaims{
		Role:  string(user.Role),
		Email: user.Email,
		Name:  user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// verifySession checks signature and expiry and builds an identity straight
// from the claims, without a storage lookup.
func (s *Service) verifySession(credential string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(credential, &sessionClaims{},
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, ErrInvalidCredential
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrCredentialExpired
		}
		return Identity{}, ErrInvalidCredential
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidCredential
	}
	if s.issuer != "" && claims.Issuer != "" && !strings.EqualFold(claims.Issuer, s.issuer) {
		return Identity{}, ErrInvalidCredential
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidCredential
	}
	role := NormalizeRole(claims.Role, claims.IsAdmin)
	return Identity{
		SubjectID:   claims.Subject,
		Email:       claims.Email,
		Name:        claims.Name,
		Role:        role,
		Permissions: role.Permissions(),
		Kind:        CredentialSession,
	}, nil
}
