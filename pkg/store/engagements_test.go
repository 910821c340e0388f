package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestEngagementsGetOrCreateKeepsFirstSeen(t *testing.T) {
	firstSeen := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	stored := map[string]time.Time{}
	db := &fakeStoreDB{
		queryRowFn: func(sql string, args []any) pgx.Row {
			key := args[0].(string) + "|" + args[1].(string)
			if at, ok := stored[key]; ok {
				return fakeStoreRow{values: []any{at}}
			}
			return fakeStoreRow{err: pgx.ErrNoRows}
		},
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "INSERT") {
				t.Fatalf("revisits must not write, got %q", sql)
			}
			stored[args[0].(string)+"|"+args[1].(string)] = args[2].(time.Time)
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	eng := &Engagements{DB: db}

	// First visit creates the row, every later visit returns the
	// first-seen time unchanged.
	for visit, now := range []time.Time{
		firstSeen,
		firstSeen.Add(time.Hour),
		firstSeen.Add(2 * time.Hour),
	} {
		at, created, err := eng.GetOrCreate(context.Background(), "donny", "billing", now)
		if err != nil {
			t.Fatalf("visit %d: %v", visit+1, err)
		}
		if created != (visit == 0) {
			t.Fatalf("visit %d: created=%v", visit+1, created)
		}
		if !at.Equal(firstSeen) {
			t.Fatalf("visit %d: expected first-seen %v, got %v", visit+1, firstSeen, at)
		}
	}
	if !stored["donny|billing"].Equal(firstSeen) {
		t.Fatalf("stored time drifted to %v", stored["donny|billing"])
	}
}

func TestEngagementsGetOrCreateInsertsNew(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	db := &fakeStoreDB{
		queryRowFn: func(sql string, args []any) pgx.Row {
			return fakeStoreRow{err: pgx.ErrNoRows}
		},
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	eng := &Engagements{DB: db}

	lastVisited, created, err := eng.GetOrCreate(context.Background(), "donny", "billing", now)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !created {
		t.Fatal("expected first visit to create the row")
	}
	if !lastVisited.Equal(now) {
		t.Fatalf("expected last visited %v, got %v", now, lastVisited)
	}
}

func TestEngagementsGetOrCreateInsertRace(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	prior := now.Add(-time.Minute)
	lookups := 0
	db := &fakeStoreDB{
		queryRowFn: func(sql string, args []any) pgx.Row {
			lookups++
			if lookups == 1 {
				return fakeStoreRow{err: pgx.ErrNoRows}
			}
			return fakeStoreRow{values: []any{prior}}
		},
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		},
	}
	eng := &Engagements{DB: db}

	lastVisited, created, err := eng.GetOrCreate(context.Background(), "donny", "billing", now)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if created {
		t.Fatal("losing the insert race must not report created")
	}
	if !lastVisited.Equal(prior) {
		t.Fatalf("expected the winner's visit time %v, got %v", prior, lastVisited)
	}
	if lookups != 2 {
		t.Fatalf("expected a second lookup after the lost race, got %d", lookups)
	}
}

func TestEngagementsByUser(t *testing.T) {
	visited := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	db := &fakeStoreDB{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			if args[0] != "donny" {
				t.Fatalf("expected username arg donny, got %v", args[0])
			}
			return &fakeStoreRows{rows: [][]any{
				{"donny", "billing", visited},
				{"donny", "reports", visited.Add(-time.Hour)},
			}}, nil
		},
	}
	eng := &Engagements{DB: db}

	got, err := eng.ByUser(context.Background(), "donny")
	if err != nil {
		t.Fatalf("by user: %v", err)
	}
	if len(got) != 2 || got[0].Slug != "billing" || got[1].Slug != "reports" {
		t.Fatalf("unexpected engagements: %+v", got)
	}
}

func TestEngagementsUsers(t *testing.T) {
	db := &fakeStoreDB{
		queryRowFn: func(sql string, args []any) pgx.Row {
			return fakeStoreRow{values: []any{int64(2)}}
		},
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			if args[0] != 25 || args[1] != 0 {
				t.Fatalf("unexpected limit/offset: %v", args)
			}
			return &fakeStoreRows{rows: [][]any{
				{"donny", []string{"billing"}},
				{"maude", []string{"billing", "reports"}},
			}}, nil
		},
	}
	eng := &Engagements{DB: db}

	users, total, err := eng.Users(context.Background(), 25, 0)
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected total 2, got %d", total)
	}
	if len(users) != 2 || users[0].Username != "donny" || len(users[1].Tags) != 2 {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestEngagementsSummary(t *testing.T) {
	db := &fakeStoreDB{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return &fakeStoreRows{rows: [][]any{
				{"billing", int64(2)},
				{"reports", int64(1)},
			}}, nil
		},
	}
	eng := &Engagements{DB: db}

	counts, err := eng.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(counts) != 2 || counts[0].Slug != "billing" || counts[0].Count != 2 {
		t.Fatalf("unexpected summary: %+v", counts)
	}
}

func TestEngagementsSummaryQueryError(t *testing.T) {
	db := &fakeStoreDB{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return nil, errors.New("connection reset")
		},
	}
	eng := &Engagements{DB: db}
	if _, err := eng.Summary(context.Background()); err == nil {
		t.Fatal("expected query error")
	}
}
