package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rulegate/pkg/models"
)

type engagementDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Engagements tracks which tagged pages each user has visited.
type Engagements struct {
	DB engagementDB
}

// GetOrCreate records the first visit on (username, tag) and returns
// the first-seen time. created reports a first-ever visit, in which
// case lastVisited is now; revisits leave the stored row untouched.
func (s *Engagements) GetOrCreate(ctx context.Context, username, tag string, now time.Time) (lastVisited time.Time, created bool, err error) {
	var prior time.Time
	err = s.DB.QueryRow(ctx, `
		SELECT last_visited FROM engagements WHERE username = $1 AND slug = $2
	`, username, tag).Scan(&prior)
	if err == nil {
		return prior, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, err
	}
	tag2, err := s.DB.Exec(ctx, `
		INSERT INTO engagements (username, slug, last_visited)
		VALUES ($1, $2, $3)
		ON CONFLICT (username, slug) DO NOTHING
	`, username, tag, now)
	if err != nil {
		return time.Time{}, false, err
	}
	if tag2.RowsAffected() == 0 {
		// Lost the insert race, another request just created the row.
		err = s.DB.QueryRow(ctx, `
			SELECT last_visited FROM engagements WHERE username = $1 AND slug = $2
		`, username, tag).Scan(&prior)
		return prior, false, err
	}
	return now, true, nil
}

// ByUser lists the user's engagements, most recent first.
func (s *Engagements) ByUser(ctx context.Context, username string) ([]models.Engagement, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT username, slug, last_visited FROM engagements
		WHERE username = $1 ORDER BY last_visited DESC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var engagements []models.Engagement
	for rows.Next() {
		var e models.Engagement
		if err := rows.Scan(&e.Username, &e.Slug, &e.LastVisited); err != nil {
			return nil, err
		}
		engagements = append(engagements, e)
	}
	return engagements, rows.Err()
}

// UserEngagement aggregates one user's engaged tags.
type UserEngagement struct {
	Username string   `json:"username"`
	Tags     []string `json:"tags"`
}

// Users lists usernames with the tags they engaged, paginated and
// ordered by username.
func (s *Engagements) Users(ctx context.Context, limit, offset int) ([]UserEngagement, int64, error) {
	var total int64
	if err := s.DB.QueryRow(ctx, `
		SELECT COUNT(DISTINCT username) FROM engagements
	`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(ctx, `
		SELECT username, array_agg(slug ORDER BY slug) FROM engagements
		GROUP BY username ORDER BY username LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var users []UserEngagement
	for rows.Next() {
		var u UserEngagement
		if err := rows.Scan(&u.Username, &u.Tags); err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// TagCount is one line of the engagement summary.
type TagCount struct {
	Slug  string `json:"slug"`
	Count int64  `json:"count"`
}

// Summary counts distinct engaged users per tag.
func (s *Engagements) Summary(ctx context.Context) ([]TagCount, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT slug, COUNT(DISTINCT username) FROM engagements
		GROUP BY slug ORDER BY slug
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var counts []TagCount
	for rows.Next() {
		var c TagCount
		if err := rows.Scan(&c.Slug, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
