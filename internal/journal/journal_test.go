package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fruitsalade/flowshelf/internal/models"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "activity.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []models.Activity{
		{Op: "create_directory", Path: "flows", Result: "ok", At: at},
		{Op: "rename", Path: "flows/a.json", Target: "flows/b.json", Result: "ok", At: at.Add(time.Second)},
		{Op: "delete", Path: "missing", Result: "not_found", Message: "delete missing: not found"},
	}
	for _, e := range entries {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].Op != "delete" || got[0].Result != "not_found" || got[0].Message == "" {
		t.Errorf("newest row = %+v", got[0])
	}
	if got[0].At.IsZero() {
		t.Error("zero At not defaulted")
	}
	if got[1].Op != "rename" || got[1].Target != "flows/b.json" || !got[1].At.Equal(at.Add(time.Second)) {
		t.Errorf("second row = %+v", got[1])
	}
	if got[0].ID <= got[1].ID {
		t.Errorf("ids not descending: %d, %d", got[0].ID, got[1].ID)
	}

	all, err := j.Recent(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Errorf("Recent(0) = %d rows, %v", len(all), err)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "activity.db")
	ctx := context.Background()

	j, err := Open(ctx, DriverSQLite, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Record(ctx, models.Activity{Op: "upload", Path: "x.json", Result: "ok"}); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = Open(ctx, DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	rows, err := j.Recent(ctx, 10)
	if err != nil || len(rows) != 1 {
		t.Errorf("after reopen: %d rows, %v", len(rows), err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "dsn"); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &Journal{driver: DriverPostgres}
	if got := pg.rebind("SELECT ? , ?"); got != "SELECT $1 , $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &Journal{driver: DriverSQLite}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}
