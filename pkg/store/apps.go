package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rulegate/pkg/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// appDB is the slice of pgxpool.Pool the app store needs.
type appDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Apps persists per-tenant gateway configuration. Lookups by slug are
// on the hot path of every proxied request, so they go through Cache
// when one is configured.
type Apps struct {
	DB       appDB
	Cache    Cache
	CacheTTL time.Duration
}

const encKeyChars = "abcdefghijklmnopqrstuvwxyz0123456789!@#$%^*-_=+"

// GenerateEncKey returns a fresh 16-character session encryption key.
func GenerateEncKey() (string, error) {
	key := make([]byte, 16)
	for i := range key {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(encKeyChars))))
		if err != nil {
			return "", err
		}
		key[i] = encKeyChars[n.Int64()]
	}
	return string(key), nil
}

const appColumns = `id, slug, entry_point, enc_key, session_backend, authentication, is_active, created_at`

func scanApp(row pgx.Row) (*models.App, error) {
	var app models.App
	err := row.Scan(&app.ID, &app.Slug, &app.EntryPoint, &app.EncKey,
		&app.SessionBackend, &app.Authentication, &app.IsActive, &app.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *Apps) cacheKey(slug string) string { return "app:" + slug }

// cachedApp carries every column through the cache. models.App hides
// ID and EncKey from its API encoding, so it cannot round-trip itself.
type cachedApp struct {
	ID             int64     `json:"id"`
	Slug           string    `json:"slug"`
	EntryPoint     string    `json:"entry_point"`
	EncKey         string    `json:"enc_key"`
	SessionBackend int       `json:"session_backend"`
	Authentication int       `json:"authentication"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// GetBySlug returns the active app registered under slug.
func (s *Apps) GetBySlug(ctx context.Context, slug string) (*models.App, error) {
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, s.cacheKey(slug)); err == nil && raw != "" {
			var c cachedApp
			if err := json.Unmarshal([]byte(raw), &c); err == nil {
				return &models.App{
					ID:             c.ID,
					Slug:           c.Slug,
					EntryPoint:     c.EntryPoint,
					EncKey:         c.EncKey,
					SessionBackend: c.SessionBackend,
					Authentication: c.Authentication,
					IsActive:       c.IsActive,
					CreatedAt:      c.CreatedAt,
				}, nil
			}
		}
	}
	app, err := scanApp(s.DB.QueryRow(ctx, `
		SELECT `+appColumns+` FROM apps WHERE slug = $1 AND is_active
	`, slug))
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		c := cachedApp{
			ID:             app.ID,
			Slug:           app.Slug,
			EntryPoint:     app.EntryPoint,
			EncKey:         app.EncKey,
			SessionBackend: app.SessionBackend,
			Authentication: app.Authentication,
			IsActive:       app.IsActive,
			CreatedAt:      app.CreatedAt,
		}
		if raw, err := json.Marshal(c); err == nil {
			ttl := s.CacheTTL
			if ttl == 0 {
				ttl = time.Minute
			}
			_ = s.Cache.Set(ctx, s.cacheKey(slug), string(raw), ttl)
		}
	}
	return app, nil
}

// Provision registers a new app with a generated encryption key and a
// catch-all open rule at rank 1 so a freshly provisioned app serves
// everything until its owner tightens the rules.
func (s *Apps) Provision(ctx context.Context, slug, entryPoint string, sessionBackend int) (*models.App, error) {
	if err := models.ValidateSlug(slug); err != nil {
		return nil, err
	}
	if entryPoint != "" {
		if err := models.ValidateEntryPoint(entryPoint); err != nil {
			return nil, err
		}
	}
	encKey, err := GenerateEncKey()
	if err != nil {
		return nil, fmt.Errorf("generate enc_key: %w", err)
	}
	app, err := scanApp(s.DB.QueryRow(ctx, `
		INSERT INTO apps (slug, entry_point, enc_key, session_backend, authentication, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, true, now())
		RETURNING `+appColumns+`
	`, slug, entryPoint, encKey, sessionBackend, models.AuthEnabled))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("app %q: %w", slug, ErrDuplicate)
	}
	if err != nil {
		return nil, err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO rules (app_id, path, rule_op, kwargs, is_forward, engaged, rank, moved)
		VALUES ($1, '/', $2, '', false, '', 1, false)
	`, app.ID, models.OpAny)
	if err != nil {
		return nil, fmt.Errorf("default rule for %q: %w", slug, err)
	}
	return app, nil
}

// AppUpdate carries the mutable configuration fields. Nil fields keep
// their stored values.
type AppUpdate struct {
	EntryPoint     *string
	SessionBackend *int
	Authentication *int
}

// UpdateConfig applies upd to the app and drops the cached copy.
func (s *Apps) UpdateConfig(ctx context.Context, slug string, upd AppUpdate) (*models.App, error) {
	if upd.EntryPoint != nil && *upd.EntryPoint != "" {
		if err := models.ValidateEntryPoint(*upd.EntryPoint); err != nil {
			return nil, err
		}
	}
	app, err := scanApp(s.DB.QueryRow(ctx, `
		UPDATE apps SET
			entry_point = COALESCE($2, entry_point),
			session_backend = COALESCE($3, session_backend),
			authentication = COALESCE($4, authentication)
		WHERE slug = $1
		RETURNING `+appColumns+`
	`, slug, upd.EntryPoint, upd.SessionBackend, upd.Authentication))
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, slug)
	return app, nil
}

// RotateKey replaces the app's session encryption key. Sessions
// encrypted under the previous key stop decoding immediately.
func (s *Apps) RotateKey(ctx context.Context, slug string) (string, error) {
	encKey, err := GenerateEncKey()
	if err != nil {
		return "", fmt.Errorf("generate enc_key: %w", err)
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE apps SET enc_key = $2 WHERE slug = $1
	`, slug, encKey)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotFound
	}
	s.invalidate(ctx, slug)
	return encKey, nil
}

// Deactivate stops the gateway from serving the app without losing its
// rules.
func (s *Apps) Deactivate(ctx context.Context, slug string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE apps SET is_active = false WHERE slug = $1
	`, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.invalidate(ctx, slug)
	return nil
}

func (s *Apps) invalidate(ctx context.Context, slug string) {
	if s.Cache != nil {
		_ = s.Cache.Del(ctx, s.cacheKey(slug))
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
