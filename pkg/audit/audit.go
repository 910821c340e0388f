// Package audit persists one record per proxy decision so operators
// can reconstruct why a request was forwarded or refused after the
// fact. The live event stream is lossy; this trail is not.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("audit record not found")

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends and reads decision records. With Redact set,
// usernames are stored as salted hashes instead of plain text.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one proxy decision.
type Record struct {
	DecisionID string    `json:"decision_id"`
	App        string    `json:"app"`
	Username   string    `json:"username,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	RulePath   string    `json:"rule_path,omitempty"`
	Verdict    string    `json:"verdict"`
	Status     int       `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

const recordColumns = `decision_id, app, username, method, path, rule_path, verdict, status, created_at`

// Append stores rec. The caller keeps serving even when this fails, so
// errors are returned rather than fatal.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec.Username = hashUsername(rec.Username, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_decisions (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.DecisionID, rec.App, rec.Username, rec.Method, rec.Path,
		rec.RulePath, rec.Verdict, rec.Status, rec.CreatedAt)
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.DecisionID, &rec.App, &rec.Username, &rec.Method,
		&rec.Path, &rec.RulePath, &rec.Verdict, &rec.Status, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// Get returns the record stored under decisionID for app.
func (w *Writer) Get(ctx context.Context, app, decisionID string) (Record, error) {
	return scanRecord(w.DB.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM audit_decisions
		WHERE app = $1 AND decision_id = $2
	`, app, decisionID))
}

// Recent lists the app's latest records, newest first.
func (w *Writer) Recent(ctx context.Context, app string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `
		SELECT `+recordColumns+` FROM audit_decisions
		WHERE app = $1 ORDER BY created_at DESC, decision_id LIMIT $2
	`, app, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
