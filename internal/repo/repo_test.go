package repo_test

import (
	"context"
	"testing"
	"time"

	"ecgdesk/internal/db"
	"ecgdesk/internal/migrate"
	"ecgdesk/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestNextPatientIDCountsPerDay(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	next := func(day time.Time) string {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer tx.Rollback()
		id, err := r.NextPatientID(ctx, tx, day)
		if err != nil {
			t.Fatalf("next patient id: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		return id
	}

	day1 := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	if got := next(day1); got != "PAT20240101001" {
		t.Fatalf("first id of the day: %q", got)
	}
	if got := next(day1); got != "PAT20240101002" {
		t.Fatalf("second id of the day: %q", got)
	}
	if got := next(day2); got != "PAT20240102001" {
		t.Fatalf("counter should reset on a new day: %q", got)
	}
}

func TestNextPatientIDRollsBackWithTransaction(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	if _, err := r.NextPatientID(ctx, tx, day); err != nil {
		t.Fatal(err)
	}
	tx.Rollback()

	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	id, err := r.NextPatientID(ctx, tx, day)
	if err != nil {
		t.Fatal(err)
	}
	if id != "PAT20240101001" {
		t.Fatalf("rolled back reservation should not consume a sequence, got %q", id)
	}
}
