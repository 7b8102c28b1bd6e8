package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/astromechza/inkwall/pkg/canvas"
	"github.com/astromechza/inkwall/pkg/replication"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, path, 10, 200)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCanvasStartsEmpty(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "wall.sqlite3"))
	px, err := s.Canvas()
	if err != nil {
		t.Fatalf("canvas: %v", err)
	}
	if len(px) != 0 {
		t.Fatalf("expected empty canvas, got %v", px)
	}
}

func TestApplyPixelsMergesCells(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "wall.sqlite3"))

	if _, err := s.ApplyPixels(map[string]string{"1,1": "#FF0000"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	px, err := s.ApplyPixels(map[string]string{"2,2": "#0000FF"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if px["1,1"] != "#FF0000" || px["2,2"] != "#0000FF" {
		t.Fatalf("expected both cells, got %v", px)
	}
}

func TestApplyPixelsRejectsInvalidBatch(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "wall.sqlite3"))

	_, err := s.ApplyPixels(map[string]string{"1,1": "#FF0000", "10,0": "#FF0000"})
	if !errors.Is(err, canvas.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	px, _ := s.Canvas()
	if len(px) != 0 {
		t.Fatalf("expected nothing applied, got %v", px)
	}
}

func TestBackupSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wall.sqlite3")
	s, err := Open(context.Background(), DriverSQLite, path, 10, 200)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.ApplyPixels(map[string]string{"3,4": "#00FF00"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Backup(context.Background()); err != nil {
		t.Fatalf("backup: %v", err)
	}
	_ = s.Close()

	reopened := openTestStore(t, path)
	px, _ := reopened.Canvas()
	if px["3,4"] != "#00FF00" {
		t.Fatalf("expected backed up cell, got %v", px)
	}
}

func TestUpsertUserKeepsExistingRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "wall.sqlite3"))
	joined := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	first, err := s.UpsertUser(ctx, replication.User{ID: "p1", Ink: 17, JoinedAt: joined})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.Ink != 17 || !first.JoinedAt.Equal(joined) {
		t.Fatalf("unexpected first row %+v", first)
	}

	again, err := s.UpsertUser(ctx, replication.User{ID: "p1", Ink: 200, JoinedAt: joined.Add(time.Hour)})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if again.Ink != 17 || !again.JoinedAt.Equal(joined) {
		t.Fatalf("expected existing row to win, got %+v", again)
	}

	if _, err := s.UpsertUser(ctx, replication.User{}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}

func TestUpdateInk(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "wall.sqlite3"))
	_, _ = s.UpsertUser(ctx, replication.User{ID: "p1", Ink: 10})
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	u, err := s.UpdateInk(ctx, "p1", 999, at)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if u.Ink != 200 || !u.UpdatedAt.Equal(at) {
		t.Fatalf("expected clamped ink and new timestamp, got %+v", u)
	}
	if _, err := s.UpdateInk(ctx, "ghost", 1, at); !errors.Is(err, replication.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.User(ctx, "ghost"); !errors.Is(err, replication.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	got := s.rebind(`UPDATE users SET ink = ?, updated_at = ? WHERE id = ?`)
	want := `UPDATE users SET ink = $1, updated_at = $2 WHERE id = $3`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	s.driver = DriverSQLite
	if s.rebind("a = ?") != "a = ?" {
		t.Fatal("expected sqlite query unchanged")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "", 10, 10); err == nil {
		t.Fatal("expected error")
	}
}
