package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// fakeStore is an in-memory Store. RecordUsage signals usageCh so tests can
// wait for the background accounting goroutine deterministically.
type fakeStore struct {
	mu      sync.Mutex
	users   map[string]*User
	tokens  map[string]*APIToken
	usageCh chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]*User),
		tokens:  make(map[string]*APIToken),
		usageCh: make(chan string, 64),
	}
}

func (f *fakeStore) Users() UserStore   { return (*fakeUserStore)(f) }
func (f *fakeStore) Tokens() TokenStore { return (*fakeTokenStore)(f) }

type fakeUserStore fakeStore

func (f *fakeUserStore) Create(_ context.Context, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == u.Email {
			return ErrAlreadyExists
		}
	}
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeUserStore) Find(_ context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserStore) FindByEmail(_ context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeUserStore) Update(_ context.Context, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

type fakeTokenStore fakeStore

func (f *fakeTokenStore) Create(_ context.Context, t *APIToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tokens[t.ID] = &cp
	return nil
}

func (f *fakeTokenStore) Find(_ context.Context, id, ownerID string) (*APIToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	if !ok || t.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTokenStore) FindByHash(_ context.Context, hash string) (*APIToken, *User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.SecretHash == hash {
			owner, ok := f.users[t.OwnerID]
			if !ok {
				return nil, nil, ErrNotFound
			}
			tc, oc := *t, *owner
			return &tc, &oc, nil
		}
	}
	return nil, nil, ErrNotFound
}

func (f *fakeTokenStore) ListByOwner(_ context.Context, ownerID string) ([]*APIToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*APIToken
	for _, t := range f.tokens {
		if t.OwnerID == ownerID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTokenStore) Update(_ context.Context, t *APIToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	f.tokens[t.ID] = &cp
	return nil
}

func (f *fakeTokenStore) Delete(_ context.Context, id, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	if !ok || t.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(f.tokens, id)
	return nil
}

func (f *fakeTokenStore) RecordUsage(_ context.Context, id, ip string, at time.Time) error {
	f.mu.Lock()
	t, ok := f.tokens[id]
	if ok {
		t.UsageCount++
		used := at
		t.LastUsedAt = &used
		t.LastUsedIP = ip
	}
	f.mu.Unlock()
	if ok {
		f.usageCh <- id
	}
	return nil
}

func (f *fakeStore) awaitUsage(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.usageCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("usage accounting #%d never arrived", i+1)
		}
	}
}

const testSecret = "unit-test-signing-secret"

func newTestService(t *testing.T, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	svc, err := NewService(store, testSecret, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func seedUser(t *testing.T, store *fakeStore, role Role, active bool) *User {
	t.Helper()
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &User{
		ID:           "user-" + string(role),
		Name:         "Test " + string(role),
		Email:        string(role) + "@example.com",
		PasswordHash: hash,
		Role:         role,
		IsActive:     active,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService(newFakeStore(), ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewService(newFakeStore(), "   "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestAuthenticateMissingCredential(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	if _, err := svc.Authenticate(context.Background(), "  ", "GET", ""); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	user := seedUser(t, store, RoleEditor, true)

	token, expiresAt, err := svc.IssueSession(user)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expiry %v is not in the future", expiresAt)
	}

	identity, err := svc.Authenticate(context.Background(), token, "GET", "192.0.2.1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.SubjectID != user.ID {
		t.Fatalf("subject = %s, want %s", identity.SubjectID, user.ID)
	}
	if identity.Kind != CredentialSession {
		t.Fatalf("kind = %s, want session", identity.Kind)
	}
	if identity.Role != RoleEditor {
		t.Fatalf("role = %s, want editor", identity.Role)
	}
	if identity.IsAdmin() {
		t.Fatal("editor identity claims admin")
	}
}

func TestSessionExpired(t *testing.T) {
	store := newFakeStore()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := &clock
	svc := newTestService(t, store,
		WithSessionTTL(time.Hour),
		WithClock(func() time.Time { return *now }),
	)
	user := seedUser(t, store, RoleUser, true)

	token, _, err := svc.IssueSession(user)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	later := clock.Add(2 * time.Hour)
	now = &later
	if _, err := svc.Authenticate(context.Background(), token, "GET", ""); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("err = %v, want ErrCredentialExpired", err)
	}
}

func TestSessionTampered(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	user := seedUser(t, store, RoleUser, true)

	token, _, err := svc.IssueSession(user)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := svc.Authenticate(context.Background(), tampered, "GET", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}

	other, err := NewService(store, "a-different-secret")
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	foreign, _, err := other.IssueSession(user)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), foreign, "GET", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential for foreign signature", err)
	}
}

func TestSessionLegacyAdminClaim(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	// Tokens minted by the previous backend carried is_admin instead of a
	// role; they must still resolve to an admin identity.
	claims := sessionClaims{
		Role:    "user",
		IsAdmin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "epsoldev",
			Subject:   "legacy-1",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign legacy token: %v", err)
	}

	identity, err := svc.Authenticate(context.Background(), signed, "GET", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Role != RoleAdmin {
		t.Fatalf("role = %s, want admin from legacy is_admin claim", identity.Role)
	}
	if !identity.IsAdmin() {
		t.Fatal("legacy admin not recognized")
	}
}

func TestSessionWrongIssuer(t *testing.T) {
	svc := newTestService(t, newFakeStore(), WithIssuer("epsoldev"))
	claims := sessionClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), signed, "GET", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func issueAPIToken(t *testing.T, svc *Service, ownerID string, in CreateTokenInput) (*APIToken, string) {
	t.Helper()
	token, secret, err := svc.CreateToken(context.Background(), ownerID, in)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return token, secret
}

func TestAPITokenMalformed(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	if _, err := svc.Authenticate(context.Background(), "epd_not-a-token", "GET", ""); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestAPITokenUnknown(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	secret, _, err := GenerateAPISecret()
	if err != nil {
		t.Fatalf("GenerateAPISecret: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), secret, "GET", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestAPITokenReadOnlyRejectsWrites(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleUser, true)
	_, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "readonly"})

	if _, err := svc.Authenticate(context.Background(), secret, "GET", "198.51.100.7"); err != nil {
		t.Fatalf("read with read-only token: %v", err)
	}
	store.awaitUsage(t, 1)

	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		if _, err := svc.Authenticate(context.Background(), secret, method, ""); !errors.Is(err, ErrInsufficientPermission) {
			t.Fatalf("%s with read-only token: err = %v, want ErrInsufficientPermission", method, err)
		}
	}
}

func TestAPITokenWriteAllowed(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleUser, true)
	created, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{
		Name:        "writer",
		Permissions: []string{"read", "write"},
	})

	identity, err := svc.Authenticate(context.Background(), secret, "PUT", "203.0.113.9")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Kind != CredentialAPIToken {
		t.Fatalf("kind = %s, want api_token", identity.Kind)
	}
	if identity.TokenID != created.ID || identity.TokenName != "writer" {
		t.Fatalf("token identity not carried: %+v", identity)
	}
	if identity.SubjectID != owner.ID {
		t.Fatalf("subject = %s, want owner %s", identity.SubjectID, owner.ID)
	}

	store.awaitUsage(t, 1)
	stored, err := store.Tokens().Find(context.Background(), created.ID, owner.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.UsageCount != 1 {
		t.Fatalf("usage count = %d, want 1", stored.UsageCount)
	}
	if stored.LastUsedIP != "203.0.113.9" {
		t.Fatalf("last used ip = %s", stored.LastUsedIP)
	}
}

func TestAPITokenInactive(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleUser, true)
	created, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "revoked"})

	if _, err := svc.SetTokenActive(context.Background(), created.ID, owner.ID, false); err != nil {
		t.Fatalf("SetTokenActive: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), secret, "GET", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential for revoked token", err)
	}

	if _, err := svc.SetTokenActive(context.Background(), created.ID, owner.ID, true); err != nil {
		t.Fatalf("SetTokenActive: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), secret, "GET", ""); err != nil {
		t.Fatalf("reactivated token rejected: %v", err)
	}
	store.awaitUsage(t, 1)
}

func TestAPITokenExpired(t *testing.T) {
	store := newFakeStore()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := &clock
	svc := newTestService(t, store, WithClock(func() time.Time { return *now }))
	owner := seedUser(t, store, RoleUser, true)

	expiry := clock.Add(time.Hour)
	_, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "shortlived", ExpiresAt: &expiry})

	if _, err := svc.Authenticate(context.Background(), secret, "GET", ""); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
	store.awaitUsage(t, 1)

	later := clock.Add(2 * time.Hour)
	now = &later
	if _, err := svc.Authenticate(context.Background(), secret, "GET", ""); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("err = %v, want ErrCredentialExpired", err)
	}
}

func TestAPITokenOwnerDeactivated(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleUser, false)
	_, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "orphaned"})

	if _, err := svc.Authenticate(context.Background(), secret, "GET", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential for deactivated owner", err)
	}
}

func TestAPITokenRateLimited(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleUser, true)
	_, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{
		Name:      "throttled",
		RateLimit: &RateLimit{RequestsPerMinute: 2},
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := svc.Authenticate(ctx, secret, "GET", ""); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if _, err := svc.Authenticate(ctx, secret, "GET", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	store.awaitUsage(t, 2)
}

func TestConcurrentUsageAccounting(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleUser, true)
	created, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "busy"})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Authenticate(context.Background(), secret, "GET", "192.0.2.50"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Authenticate: %v", err)
	}

	store.awaitUsage(t, n)
	stored, err := store.Tokens().Find(context.Background(), created.ID, owner.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.UsageCount != n {
		t.Fatalf("usage count = %d, want %d (lost increments)", stored.UsageCount, n)
	}
}

func TestAuthenticateOptional(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	user := seedUser(t, store, RoleUser, true)

	if _, ok := svc.AuthenticateOptional(context.Background(), "", "GET", ""); ok {
		t.Fatal("anonymous request reported as authenticated")
	}
	if _, ok := svc.AuthenticateOptional(context.Background(), "garbage", "GET", ""); ok {
		t.Fatal("garbage credential reported as authenticated")
	}

	token, _, err := svc.IssueSession(user)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	identity, ok := svc.AuthenticateOptional(context.Background(), token, "GET", "")
	if !ok || identity.SubjectID != user.ID {
		t.Fatalf("valid session not recognized: ok=%v identity=%+v", ok, identity)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)

	user, err := svc.Register(context.Background(), "Jess", "Jess@Example.COM", "hunter22", "editor")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "jess@example.com" {
		t.Fatalf("email not normalized: %s", user.Email)
	}
	if user.Role != RoleEditor {
		t.Fatalf("role = %s, want editor", user.Role)
	}
	if user.PasswordHash == "hunter22" || user.PasswordHash == "" {
		t.Fatal("password stored without hashing")
	}

	if _, err := svc.Register(context.Background(), "Dup", "jess@example.com", "hunter22", ""); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate register err = %v, want ErrAlreadyExists", err)
	}

	got, token, expiresAt, err := svc.Login(context.Background(), "jess@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login user = %s, want %s", got.ID, user.ID)
	}
	if token == "" || !expiresAt.After(time.Now()) {
		t.Fatal("login did not issue a usable session")
	}

	if _, _, _, err := svc.Login(context.Background(), "jess@example.com", "wrong"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("wrong password err = %v, want ErrInvalidCredential", err)
	}
	if _, _, _, err := svc.Login(context.Background(), "nobody@example.com", "hunter22"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("unknown email err = %v, want ErrInvalidCredential", err)
	}
}

func TestLoginDeactivatedAccount(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	user := seedUser(t, store, RoleUser, false)
	if _, _, _, err := svc.Login(context.Background(), user.Email, "correct horse"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	user := seedUser(t, store, RoleUser, true)

	name := "  Renamed  "
	avatar := "https://cdn.example.com/a.png"
	updated, err := svc.UpdateProfile(context.Background(), user.ID, UpdateProfileInput{Name: &name, Avatar: &avatar})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.Name != "Renamed" {
		t.Fatalf("name = %q, want trimmed %q", updated.Name, "Renamed")
	}
	if updated.Avatar != avatar {
		t.Fatalf("avatar = %q, want %q", updated.Avatar, avatar)
	}

	// Omitted fields stay untouched.
	stored, err := svc.UpdateProfile(context.Background(), user.ID, UpdateProfileInput{})
	if err != nil {
		t.Fatalf("UpdateProfile noop: %v", err)
	}
	if stored.Name != "Renamed" || stored.Avatar != avatar {
		t.Fatalf("noop update changed fields: %+v", stored)
	}

	empty := "   "
	if _, err := svc.UpdateProfile(context.Background(), user.ID, UpdateProfileInput{Name: &empty}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput for blank name", err)
	}
	if _, err := svc.UpdateProfile(context.Background(), "missing", UpdateProfileInput{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestChangePassword(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	user := seedUser(t, store, RoleUser, true)

	if err := svc.ChangePassword(context.Background(), user.ID, "", "fresh-pass"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput for missing current", err)
	}
	if err := svc.ChangePassword(context.Background(), user.ID, "correct horse", "tiny"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput for short password", err)
	}
	if err := svc.ChangePassword(context.Background(), user.ID, "wrong horse", "fresh-pass"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential for wrong current", err)
	}

	if err := svc.ChangePassword(context.Background(), user.ID, "correct horse", "fresh-pass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, _, _, err := svc.Login(context.Background(), user.Email, "correct horse"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("old password still accepted after change")
	}
	if _, _, _, err := svc.Login(context.Background(), user.Email, "fresh-pass"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestCreateTokenDefaults(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleAdmin, true)

	token, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "  defaults  "})
	if token.Name != "defaults" {
		t.Fatalf("name not trimmed: %q", token.Name)
	}
	if len(token.Permissions) != 1 || token.Permissions[0] != PermissionRead {
		t.Fatalf("default permissions = %v, want [read]", token.Permissions)
	}
	if token.RateLimit != DefaultRateLimit {
		t.Fatalf("rate limit = %+v, want default", token.RateLimit)
	}
	if !token.IsActive {
		t.Fatal("new token not active")
	}
	if token.SecretHash != HashSecret(secret) {
		t.Fatal("stored digest does not match the issued secret")
	}
	if strings.Contains(token.Masked, secret[15:len(secret)-4]) {
		t.Fatal("masked rendering leaks the secret body")
	}
}

func TestCreateTokenValidation(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleAdmin, true)

	if _, _, err := svc.CreateToken(context.Background(), owner.ID, CreateTokenInput{Name: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank name err = %v, want ErrInvalidInput", err)
	}
	if _, _, err := svc.CreateToken(context.Background(), owner.ID, CreateTokenInput{
		Name:        "bad perms",
		Permissions: []string{"read", "superuser"},
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown permission err = %v, want ErrInvalidInput", err)
	}
}

func TestCreateTokenPermissionsCanonicalOrder(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleAdmin, true)

	token, _ := issueAPIToken(t, svc, owner.ID, CreateTokenInput{
		Name:        "messy grants",
		Permissions: []string{"WRITE", "read", "write", " read "},
	})
	want := []Permission{PermissionRead, PermissionWrite}
	if len(token.Permissions) != len(want) {
		t.Fatalf("permissions = %v, want %v", token.Permissions, want)
	}
	for i, p := range want {
		if token.Permissions[i] != p {
			t.Fatalf("permissions = %v, want %v", token.Permissions, want)
		}
	}
}

func TestUpdateTokenExpiry(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleAdmin, true)
	expiry := time.Now().Add(24 * time.Hour).UTC()
	created, _ := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "expiring", ExpiresAt: &expiry})

	// Absent field leaves expiry untouched.
	name := "renamed"
	updated, err := svc.UpdateToken(context.Background(), created.ID, owner.ID, UpdateTokenInput{Name: &name})
	if err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	if updated.ExpiresAt == nil || !updated.ExpiresAt.Equal(expiry) {
		t.Fatalf("expiry changed by unrelated update: %v", updated.ExpiresAt)
	}

	updated, err = svc.UpdateToken(context.Background(), created.ID, owner.ID, UpdateTokenInput{ClearExpiresAt: true})
	if err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	if updated.ExpiresAt != nil {
		t.Fatalf("expiry not cleared: %v", updated.ExpiresAt)
	}
}

func TestUpdateTokenUnknownID(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleAdmin, true)
	if _, err := svc.UpdateToken(context.Background(), "missing", owner.ID, UpdateTokenInput{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateTokenRateLimitTakesEffect(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleUser, true)
	created, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{
		Name:      "tightened",
		RateLimit: &RateLimit{RequestsPerMinute: 100},
	})

	ctx := context.Background()
	if _, err := svc.Authenticate(ctx, secret, "GET", ""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	store.awaitUsage(t, 1)

	if _, err := svc.UpdateToken(ctx, created.ID, owner.ID, UpdateTokenInput{
		RateLimit: &RateLimit{RequestsPerMinute: 1},
	}); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}

	// New budget applies immediately: one request passes, the next is cut.
	if _, err := svc.Authenticate(ctx, secret, "GET", ""); err != nil {
		t.Fatalf("first request under new budget: %v", err)
	}
	store.awaitUsage(t, 1)
	if _, err := svc.Authenticate(ctx, secret, "GET", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited under tightened budget", err)
	}
}

func TestDeleteToken(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleAdmin, true)
	created, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "doomed"})

	if err := svc.DeleteToken(context.Background(), created.ID, owner.ID); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if err := svc.DeleteToken(context.Background(), created.ID, owner.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Authenticate(context.Background(), secret, "GET", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("deleted token still authenticates: %v", err)
	}
}

func TestComputeTokenStats(t *testing.T) {
	store := newFakeStore()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, store, WithClock(func() time.Time { return clock }))
	owner := seedUser(t, store, RoleAdmin, true)

	active, _ := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "active"})
	revoked, _ := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "revoked"})
	past := clock.Add(-time.Hour)
	issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "expired", ExpiresAt: &past})

	if _, err := svc.SetTokenActive(context.Background(), revoked.ID, owner.ID, false); err != nil {
		t.Fatalf("SetTokenActive: %v", err)
	}
	if err := store.Tokens().RecordUsage(context.Background(), active.ID, "192.0.2.1", clock); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	<-store.usageCh

	stats, err := svc.ComputeTokenStats(context.Background(), owner.ID)
	if err != nil {
		t.Fatalf("ComputeTokenStats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 2 || stats.Inactive != 1 || stats.Expired != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TotalUsage != 1 {
		t.Fatalf("total usage = %d, want 1", stats.TotalUsage)
	}
	if len(stats.RecentlyUsed) != 1 || stats.RecentlyUsed[0].ID != active.ID {
		t.Fatalf("recently used = %+v", stats.RecentlyUsed)
	}
}

func TestSecretsNeverSerialized(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := seedUser(t, store, RoleAdmin, true)
	token, secret := issueAPIToken(t, svc, owner.ID, CreateTokenInput{Name: "private"})

	raw, err := json.Marshal(token)
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	if strings.Contains(string(raw), token.SecretHash) || strings.Contains(string(raw), secret) {
		t.Fatalf("token serialization leaks secret material: %s", raw)
	}

	rawUser, err := json.Marshal(owner)
	if err != nil {
		t.Fatalf("marshal user: %v", err)
	}
	if strings.Contains(string(rawUser), owner.PasswordHash) {
		t.Fatalf("user serialization leaks password hash: %s", rawUser)
	}
}
