package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/auth"
)

// memStore is an in-memory auth.Store for handler tests.
type memStore struct {
	mu     sync.Mutex
	users  map[string]*auth.User
	tokens map[string]*auth.APIToken
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[string]*auth.User),
		tokens: make(map[string]*auth.APIToken),
	}
}

func (m *memStore) Users() auth.UserStore   { return (*memUserStore)(m) }
func (m *memStore) Tokens() auth.TokenStore { return (*memTokenStore)(m) }

type memUserStore memStore

func (m *memUserStore) Create(_ context.Context, u *auth.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return auth.ErrAlreadyExists
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUserStore) Find(_ context.Context, id string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUserStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memUserStore) Update(_ context.Context, u *auth.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return auth.ErrNotFound
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

type memTokenStore memStore

func (m *memTokenStore) Create(_ context.Context, t *auth.APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *memTokenStore) Find(_ context.Context, id, ownerID string) (*auth.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.OwnerID != ownerID {
		return nil, auth.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTokenStore) FindByHash(_ context.Context, hash string) (*auth.APIToken, *auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.SecretHash == hash {
			owner, ok := m.users[t.OwnerID]
			if !ok {
				return nil, nil, auth.ErrNotFound
			}
			tc, oc := *t, *owner
			return &tc, &oc, nil
		}
	}
	return nil, nil, auth.ErrNotFound
}

func (m *memTokenStore) ListByOwner(_ context.Context, ownerID string) ([]*auth.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auth.APIToken
	for _, t := range m.tokens {
		if t.OwnerID == ownerID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTokenStore) Update(_ context.Context, t *auth.APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.ID]; !ok {
		return auth.ErrNotFound
	}
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *memTokenStore) Delete(_ context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.OwnerID != ownerID {
		return auth.ErrNotFound
	}
	delete(m.tokens, id)
	return nil
}

func (m *memTokenStore) RecordUsage(_ context.Context, id, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok {
		t.UsageCount++
		used := at
		t.LastUsedAt = &used
		t.LastUsedIP = ip
	}
	return nil
}

func newTestAPI(t *testing.T, opts ...auth.ServiceOption) (*API, *auth.Service) {
	t.Helper()
	svc, err := auth.NewService(newMemStore(), "handler-test-secret", opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api := New(svc, ReadyProbe{}, Options{
		Version:       "test",
		RatePerSecond: 1000,
		RateBurst:     1000,
		BodyMaxBytes:  1 << 20,
	})
	return api, svc
}

// registerUser creates an account and returns the user plus a session token.
func registerUser(t *testing.T, svc *auth.Service, email, role string) (*auth.User, string) {
	t.Helper()
	user, err := svc.Register(context.Background(), "Test User", email, "s3cret-pass", role)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, _, err := svc.IssueSession(user)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	return user, token
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}
