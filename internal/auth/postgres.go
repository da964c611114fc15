package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users() UserStore   { return &userStore{db: s.db} }
func (s *PGStore) Tokens() TokenStore { return &tokenStore{db: s.db} }

const pgUniqueViolation = "23505"

func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

const userColumns = `id, name, email, password_hash, avatar, role, is_admin, is_active, created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, name, email, password_hash, avatar, role, is_active, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, u.Name, u.Email, u.PasswordHash, u.Avatar, string(u.Role), u.IsActive, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return mapPGError(err)
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email)
	return scanUser(row)
}

func (s *userStore) Update(ctx context.Context, u *User) error {
	result, err := s.db.ExecContext(ctx,
		`update users
		 set name=$1, avatar=$2, password_hash=$3, updated_at=$4
		 where id=$5`,
		u.Name, u.Avatar, u.PasswordHash, u.UpdatedAt, u.ID,
	)
	if err != nil {
		return mapPGError(err)
	}
	return requireRow(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser folds the legacy is_admin column into the role, so the rest of the
// service only ever sees the normalized Role.
func scanUser(row rowScanner) (*User, error) {
	var (
		u       User
		role    string
		isAdmin bool
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Avatar, &role, &isAdmin, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Role = NormalizeRole(role, isAdmin)
	return &u, nil
}

// Token store --------------------------------------------------------------

type tokenStore struct{ db *sql.DB }

const tokenColumns = `id, name, description, token_hash, prefix, masked_token, owner_id, permissions,
	rate_per_minute, rate_per_day, is_active, expires_at, usage_count, last_used_at, last_used_ip,
	created_at, updated_at`

func (s *tokenStore) Create(ctx context.Context, t *APIToken) error {
	perms, err := json.Marshal(t.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into api_tokens(id, name, description, token_hash, prefix, masked_token, owner_id,
		   permissions, rate_per_minute, rate_per_day, is_active, expires_at, usage_count,
		   created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13,$14)`,
		t.ID, t.Name, t.Description, t.SecretHash, t.Prefix, t.Masked, t.OwnerID,
		perms, t.RateLimit.RequestsPerMinute, t.RateLimit.RequestsPerDay, t.IsActive, t.ExpiresAt,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return mapPGError(err)
	}
	return nil
}

func (s *tokenStore) Find(ctx context.Context, id, ownerID string) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from api_tokens where id=$1 and owner_id=$2`, id, ownerID)
	return scanToken(row)
}

// FindByHash resolves a presented secret's digest to the token and its owning
// user in one round trip. Plaintext secrets are never part of a query.
func (s *tokenStore) FindByHash(ctx context.Context, hash string) (*APIToken, *User, error) {
	row := s.db.QueryRowContext(ctx,
		`select t.id, t.name, t.description, t.token_hash, t.prefix, t.masked_token, t.owner_id,
		        t.permissions, t.rate_per_minute, t.rate_per_day, t.is_active, t.expires_at,
		        t.usage_count, t.last_used_at, t.last_used_ip, t.created_at, t.updated_at,
		        u.id, u.name, u.email, u.password_hash, u.avatar, u.role, u.is_admin, u.is_active,
		        u.created_at, u.updated_at
		 from api_tokens t
		 join users u on u.id = t.owner_id
		 where t.token_hash = $1`, hash)

	var (
		t          APIToken
		permsRaw   []byte
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
		lastUsedIP sql.NullString
		u          User
		role       string
		isAdmin    bool
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.SecretHash, &t.Prefix, &t.Masked, &t.OwnerID,
		&permsRaw, &t.RateLimit.RequestsPerMinute, &t.RateLimit.RequestsPerDay, &t.IsActive, &expiresAt,
		&t.UsageCount, &lastUsedAt, &lastUsedIP, &t.CreatedAt, &t.UpdatedAt,
		&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Avatar, &role, &isAdmin, &u.IsActive,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	if err := json.Unmarshal(permsRaw, &t.Permissions); err != nil {
		return nil, nil, fmt.Errorf("decode token permissions: %w", err)
	}
	applyNullables(&t, expiresAt, lastUsedAt, lastUsedIP)
	u.Role = NormalizeRole(role, isAdmin)
	return &t, &u, nil
}

func (s *tokenStore) ListByOwner(ctx context.Context, ownerID string) ([]*APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+tokenColumns+` from api_tokens where owner_id=$1 order by created_at desc`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *tokenStore) Update(ctx context.Context, t *APIToken) error {
	perms, err := json.Marshal(t.Permissions)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`update api_tokens
		 set name=$1, description=$2, permissions=$3, rate_per_minute=$4, rate_per_day=$5,
		     is_active=$6, expires_at=$7, updated_at=$8
		 where id=$9 and owner_id=$10`,
		t.Name, t.Description, perms, t.RateLimit.RequestsPerMinute, t.RateLimit.RequestsPerDay,
		t.IsActive, t.ExpiresAt, t.UpdatedAt, t.ID, t.OwnerID,
	)
	if err != nil {
		return mapPGError(err)
	}
	return requireRow(result)
}

func (s *tokenStore) Delete(ctx context.Context, id, ownerID string) error {
	result, err := s.db.ExecContext(ctx,
		`delete from api_tokens where id=$1 and owner_id=$2`, id, ownerID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// RecordUsage bumps the usage counter in the database rather than in Go:
// concurrent requests on the same token must not lose updates.
func (s *tokenStore) RecordUsage(ctx context.Context, id, ip string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`update api_tokens
		 set usage_count = usage_count + 1, last_used_at=$1, last_used_ip=$2, updated_at=$1
		 where id=$3`,
		at, nullString(ip), id,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func scanToken(row rowScanner) (*APIToken, error) {
	var (
		t          APIToken
		permsRaw   []byte
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
		lastUsedIP sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.SecretHash, &t.Prefix, &t.Masked, &t.OwnerID,
		&permsRaw, &t.RateLimit.RequestsPerMinute, &t.RateLimit.RequestsPerDay, &t.IsActive, &expiresAt,
		&t.UsageCount, &lastUsedAt, &lastUsedIP, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(permsRaw, &t.Permissions); err != nil {
		return nil, fmt.Errorf("decode token permissions: %w", err)
	}
	applyNullables(&t, expiresAt, lastUsedAt, lastUsedIP)
	return &t, nil
}

func applyNullables(t *APIToken, expiresAt, lastUsedAt sql.NullTime, lastUsedIP sql.NullString) {
	if expiresAt.Valid {
		v := expiresAt.Time
		t.ExpiresAt = &v
	}
	if lastUsedAt.Valid {
		v := lastUsedAt.Time
		t.LastUsedAt = &v
	}
	if lastUsedIP.Valid {
		t.LastUsedIP = lastUsedIP.String
	}
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
