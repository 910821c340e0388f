package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rulegate/pkg/models"
)

func ruleRowValues(id int64, path string, rank int) []any {
	return []any{id, int64(1), path, models.OpAny, "", true, "", rank, false}
}

func TestRulesList(t *testing.T) {
	db := &fakeStoreDB{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			if args[0] != int64(1) {
				t.Fatalf("expected app id 1, got %v", args[0])
			}
			return &fakeStoreRows{rows: [][]any{
				ruleRowValues(10, "/app/", 1),
				ruleRowValues(11, "/docs/", 2),
			}}, nil
		},
	}
	rules := &Rules{DB: db}

	got, err := rules.List(context.Background(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(got))
	}
	if got[0].Path != "/app/" || got[0].Rank != 1 || got[1].Path != "/docs/" {
		t.Fatalf("unexpected rules: %+v", got)
	}
}

func TestRulesListQueryError(t *testing.T) {
	db := &fakeStoreDB{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return nil, errors.New("connection reset")
		},
	}
	rules := &Rules{DB: db}
	if _, err := rules.List(context.Background(), 1); err == nil {
		t.Fatal("expected query error")
	}
}

func TestRulesGetByPathNotFound(t *testing.T) {
	rules := &Rules{DB: &fakeStoreDB{}}
	if _, err := rules.GetByPath(context.Background(), 1, "/ghost/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRulesCreate(t *testing.T) {
	var insertArgs []any
	db := &fakeStoreDB{
		queryRowFn: func(sql string, args []any) pgx.Row {
			insertArgs = args
			return fakeStoreRow{values: ruleRowValues(12, "/billing/", 3)}
		},
	}
	rules := &Rules{DB: db}

	created, err := rules.Create(context.Background(), &models.Rule{
		AppID: 1, Path: "/billing/", RuleOp: models.OpAny, IsForward: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Rank != 3 || created.Path != "/billing/" {
		t.Fatalf("unexpected rule: %+v", created)
	}
	if insertArgs[1] != "/billing/" {
		t.Fatalf("unexpected insert args: %v", insertArgs)
	}
}

func TestRulesCreateDuplicate(t *testing.T) {
	db := &fakeStoreDB{
		queryRowFn: func(sql string, args []any) pgx.Row {
			return fakeStoreRow{err: &pgconn.PgError{Code: "23505"}}
		},
	}
	rules := &Rules{DB: db}
	if _, err := rules.Create(context.Background(), &models.Rule{AppID: 1, Path: "/app/"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestRulesDelete(t *testing.T) {
	db := &fakeStoreDB{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 1"), nil
		},
	}
	rules := &Rules{DB: db}
	if err := rules.Delete(context.Background(), 1, "/app/"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	db.execFn = func(sql string, args []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("DELETE 0"), nil
	}
	if err := rules.Delete(context.Background(), 1, "/ghost/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRulesReorder(t *testing.T) {
	type rerank struct {
		path string
		rank int
	}
	var reranks []rerank
	var clearedMoved bool
	tx := &fakeStoreTx{}
	tx.execFn = func(sql string, args []any) (pgconn.CommandTag, error) {
		switch {
		case strings.Contains(sql, "FOR UPDATE"):
			return pgconn.NewCommandTag("SELECT 1"), nil
		case strings.Contains(sql, "moved = false"):
			clearedMoved = true
			return pgconn.NewCommandTag("UPDATE 2"), nil
		default:
			reranks = append(reranks, rerank{path: args[1].(string), rank: args[2].(int)})
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
	}
	db := &fakeStoreDB{beginFn: func() (pgx.Tx, error) { return tx, nil }}
	rules := &Rules{DB: db}

	if err := rules.Reorder(context.Background(), 1, []RankAssignment{
		{Path: "/c/", Rank: 1}, {Path: "/a/", Rank: 2}, {Path: "/b/", Rank: 5},
	}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	want := []rerank{{"/c/", 1}, {"/a/", 2}, {"/b/", 5}}
	if len(reranks) != len(want) {
		t.Fatalf("expected %d reranks, got %d", len(want), len(reranks))
	}
	for i, w := range want {
		if reranks[i] != w {
			t.Fatalf("rerank %d: expected %+v, got %+v", i, w, reranks[i])
		}
	}
	if !clearedMoved {
		t.Fatal("expected moved flags to be cleared before commit")
	}
	if tx.commitCalls != 1 {
		t.Fatalf("expected one commit, got %d", tx.commitCalls)
	}
}

func TestRulesReorderSkipsUnknownPath(t *testing.T) {
	tx := &fakeStoreTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "SET rank") {
				return pgconn.NewCommandTag("UPDATE 0"), nil
			}
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
		queryRowFn: func(sql string, args []any) pgx.Row {
			return fakeStoreRow{values: []any{false}}
		},
	}
	db := &fakeStoreDB{beginFn: func() (pgx.Tx, error) { return tx, nil }}
	rules := &Rules{DB: db}

	if err := rules.Reorder(context.Background(), 1, []RankAssignment{{Path: "/ghost/", Rank: 1}}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if tx.commitCalls != 1 {
		t.Fatal("expected reorder to commit despite the unknown path")
	}
}

func TestRulesReorderBeginError(t *testing.T) {
	db := &fakeStoreDB{beginFn: func() (pgx.Tx, error) { return nil, errors.New("pool exhausted") }}
	rules := &Rules{DB: db}
	if err := rules.Reorder(context.Background(), 1, []RankAssignment{{Path: "/a/", Rank: 1}}); err == nil {
		t.Fatal("expected begin error")
	}
}

func TestRulesReorderRollsBackOnRerankError(t *testing.T) {
	tx := &fakeStoreTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "SET rank") {
				return pgconn.CommandTag{}, errors.New("deadlock detected")
			}
			return pgconn.NewCommandTag("SELECT 1"), nil
		},
	}
	db := &fakeStoreDB{beginFn: func() (pgx.Tx, error) { return tx, nil }}
	rules := &Rules{DB: db}

	if err := rules.Reorder(context.Background(), 1, []RankAssignment{{Path: "/a/", Rank: 1}}); err == nil {
		t.Fatal("expected rerank error")
	}
	if tx.rollbackCalls == 0 {
		t.Fatal("expected rollback after rerank error")
	}
}
