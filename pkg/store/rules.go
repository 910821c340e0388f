package store

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rulegate/pkg/models"
)

type ruleDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Rules persists the ordered access rules of each app.
type Rules struct {
	DB ruleDB
}

const ruleColumns = `id, app_id, path, rule_op, kwargs, is_forward, engaged, rank, moved`

func scanRule(row pgx.Row) (*models.Rule, error) {
	var rule models.Rule
	err := row.Scan(&rule.ID, &rule.AppID, &rule.Path, &rule.RuleOp, &rule.Kwargs,
		&rule.IsForward, &rule.Engaged, &rule.Rank, &rule.Moved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// List returns the app's rules in evaluation order.
func (s *Rules) List(ctx context.Context, appID int64) ([]models.Rule, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE app_id = $1 ORDER BY rank
	`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// GetByPath returns the app's rule registered under exactly path.
func (s *Rules) GetByPath(ctx context.Context, appID int64, path string) (*models.Rule, error) {
	return scanRule(s.DB.QueryRow(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE app_id = $1 AND path = $2
	`, appID, path))
}

// Create appends a rule at the end of the evaluation order. A second
// rule on the same path is rejected with ErrDuplicate.
func (s *Rules) Create(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	created, err := scanRule(s.DB.QueryRow(ctx, `
		INSERT INTO rules (app_id, path, rule_op, kwargs, is_forward, engaged, rank, moved)
		SELECT $1, $2, $3, $4, $5, $6,
			COALESCE((SELECT MAX(rank) FROM rules WHERE app_id = $1), 0) + 1,
			false
		RETURNING `+ruleColumns+`
	`, rule.AppID, rule.Path, rule.RuleOp, rule.Kwargs, rule.IsForward, rule.Engaged))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("rule %q: %w", rule.Path, ErrDuplicate)
	}
	return created, err
}

// RuleUpdate carries mutable rule fields. Nil fields keep their stored
// values. The rank is only changed through Reorder.
type RuleUpdate struct {
	RuleOp    *int
	Kwargs    *string
	IsForward *bool
	Engaged   *string
}

// Update modifies the rule registered under path.
func (s *Rules) Update(ctx context.Context, appID int64, path string, upd RuleUpdate) (*models.Rule, error) {
	return scanRule(s.DB.QueryRow(ctx, `
		UPDATE rules SET
			rule_op = COALESCE($3, rule_op),
			kwargs = COALESCE($4, kwargs),
			is_forward = COALESCE($5, is_forward),
			engaged = COALESCE($6, engaged)
		WHERE app_id = $1 AND path = $2
		RETURNING `+ruleColumns+`
	`, appID, path, upd.RuleOp, upd.Kwargs, upd.IsForward, upd.Engaged))
}

// Delete removes the rule registered under path.
func (s *Rules) Delete(ctx context.Context, appID int64, path string) error {
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM rules WHERE app_id = $1 AND path = $2
	`, appID, path)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RankAssignment pairs a rule path with the rank it should hold.
type RankAssignment struct {
	Path string
	Rank int
}

// Reorder applies rank assignments in one transaction. Assignments
// naming a path the app does not have are skipped with a log line.
// Each moved row sets the moved flag alongside its new rank so the
// (app_id, rank, moved) uniqueness never trips on transient
// collisions; the flags are cleared before commit. The app row is
// locked to serialize concurrent reorders.
func (s *Rules) Reorder(ctx context.Context, appID int64, order []RankAssignment) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM apps WHERE id = $1 FOR UPDATE`, appID); err != nil {
		return err
	}
	for _, asg := range order {
		tag, err := tx.Exec(ctx, `
			UPDATE rules SET rank = $3, moved = true
			WHERE app_id = $1 AND path = $2 AND rank <> $3
		`, appID, asg.Path, asg.Rank)
		if err != nil {
			return fmt.Errorf("rerank %q to %d: %w", asg.Path, asg.Rank, err)
		}
		if tag.RowsAffected() == 0 {
			// Either already at rank or the path is unknown.
			var exists bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM rules WHERE app_id = $1 AND path = $2)
			`, appID, asg.Path).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				log.Printf("reorder app %d: no rule at %q, skipped", appID, asg.Path)
			}
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE rules SET moved = false WHERE app_id = $1 AND moved
	`, appID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
