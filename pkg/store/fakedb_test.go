package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeStoreDB struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryFn    func(sql string, args []any) (pgx.Rows, error)
	queryRowFn func(sql string, args []any) pgx.Row
	beginFn    func() (pgx.Tx, error)
}

func (f *fakeStoreDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	if f.execFn != nil {
		return f.execFn(sql, args)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeStoreDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	if f.queryFn != nil {
		return f.queryFn(sql, args)
	}
	return &fakeStoreRows{}, nil
}

func (f *fakeStoreDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	if f.queryRowFn != nil {
		return f.queryRowFn(sql, args)
	}
	return fakeStoreRow{err: pgx.ErrNoRows}
}

func (f *fakeStoreDB) Begin(ctx context.Context) (pgx.Tx, error) {
	_ = ctx
	if f.beginFn != nil {
		return f.beginFn()
	}
	return nil, errors.New("begin not scripted")
}

type fakeStoreRow struct {
	values []any
	err    error
}

func (r fakeStoreRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignStoreScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeStoreRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeStoreRows) Close()                                       {}
func (r *fakeStoreRows) Err() error                                   { return r.err }
func (r *fakeStoreRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeStoreRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeStoreRows) Next() bool                                   { return r.idx < len(r.rows) }
func (r *fakeStoreRows) Values() ([]any, error)                       { return nil, errors.New("not implemented") }
func (r *fakeStoreRows) RawValues() [][]byte                          { return nil }
func (r *fakeStoreRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeStoreRows) Scan(dest ...any) error {
	if r.idx >= len(r.rows) {
		return pgx.ErrNoRows
	}
	row := fakeStoreRow{values: r.rows[r.idx]}
	r.idx++
	return row.Scan(dest...)
}

func assignStoreScan(dest any, val any) error {
	switch d := dest.(type) {
	case *int64:
		switch v := val.(type) {
		case int64:
			*d = v
		case int:
			*d = int64(v)
		default:
			return fmt.Errorf("expected int64, got %T", val)
		}
		return nil
	case *int:
		v, ok := val.(int)
		if !ok {
			return fmt.Errorf("expected int, got %T", val)
		}
		*d = v
		return nil
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *bool:
		v, ok := val.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", val)
		}
		*d = v
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	case *[]string:
		v, ok := val.([]string)
		if !ok {
			return fmt.Errorf("expected []string, got %T", val)
		}
		*d = append((*d)[:0], v...)
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

type fakeStoreTx struct {
	execFn        func(sql string, args []any) (pgconn.CommandTag, error)
	queryRowFn    func(sql string, args []any) pgx.Row
	commitErr     error
	commitCalls   int
	rollbackCalls int
}

func (t *fakeStoreTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeStoreTx) Commit(ctx context.Context) error {
	t.commitCalls++
	return t.commitErr
}

func (t *fakeStoreTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}

func (t *fakeStoreTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	if t.execFn != nil {
		return t.execFn(sql, args)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (t *fakeStoreTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &fakeStoreRows{}, nil
}

func (t *fakeStoreTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	if t.queryRowFn != nil {
		return t.queryRowFn(sql, args)
	}
	return fakeStoreRow{err: pgx.ErrNoRows}
}

func (t *fakeStoreTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeStoreTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeStoreTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeStoreTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeStoreTx) Conn() *pgx.Conn { return nil }
