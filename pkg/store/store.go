// Package store is the authoritative backing store: one canvas row and one row per participant. The canvas is kept
// as an automerge document in memory and backed up to the database, the participant rows live in the database only.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/inkwall/pkg/canvasdoc"
	"github.com/astromechza/inkwall/pkg/replication"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type Store struct {
	database *sql.DB
	driver   string
	gridSize int
	maxInk   int

	// lock guards doc, automerge documents are not shared between goroutines without it
	lock    sync.Mutex
	doc     *automerge.Doc
	changed bool
}

// Open connects to the database, creates the schema and loads the canvas document.
func Open(ctx context.Context, driver, dsn string, gridSize, maxInk int) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite serialises writers anyway, one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	s := &Store{database: db, driver: driver, gridSize: gridSize, maxInk: maxInk}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) init(ctx context.Context) error {
	slog.Info("Ensuring tables exist")
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS canvas_state (
		id integer not null primary key,
		content text not null,
		updated_at text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create canvas_state: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS users (
		id text not null primary key,
		ink integer not null,
		joined_at text not null,
		updated_at text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create users: %w", err)
	}

	seed, err := canvasdoc.New()
	if err != nil {
		return err
	}
	if _, err := s.database.ExecContext(ctx,
		s.rebind(`INSERT INTO canvas_state (id, content, updated_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		replication.CanvasRowID, base64.StdEncoding.EncodeToString(seed.Save()), formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("failed to seed canvas: %w", err)
	}

	var rawContent string
	if err := s.database.QueryRowContext(ctx,
		s.rebind(`SELECT content FROM canvas_state WHERE id = ?`), replication.CanvasRowID,
	).Scan(&rawContent); err != nil {
		return fmt.Errorf("failed to query canvas: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return fmt.Errorf("failed to decode canvas: %w", err)
	}
	doc, err := automerge.Load(decoded)
	if err != nil {
		return fmt.Errorf("failed to load canvas doc: %w", err)
	}
	if removed, err := canvasdoc.Repair(doc, s.gridSize); err != nil {
		return err
	} else if removed > 0 {
		slog.Warn("removed invalid cells from stored canvas", "removed", removed)
		s.changed = true
	}
	s.doc = doc
	slog.Info("Loaded canvas", "heads", doc.Heads())
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) GridSize() int {
	return s.gridSize
}

// Canvas returns the full pixel map.
func (s *Store) Canvas() (map[string]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return canvasdoc.Pixels(s.doc)
}

// ApplyPixels merges cells into the canvas and returns the resulting full map. The whole batch is rejected if any
// cell is invalid.
func (s *Store) ApplyPixels(pixels map[string]string) (map[string]string, error) {
	if err := canvasdoc.Validate(pixels, s.gridSize); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := canvasdoc.Apply(s.doc, pixels, fmt.Sprintf("paint %d", len(pixels))); err != nil {
		return nil, err
	}
	s.changed = true
	return canvasdoc.Pixels(s.doc)
}

// WithDoc runs fn while holding the document lock. fn must not retain doc.
func (s *Store) WithDoc(fn func(doc *automerge.Doc) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return fn(s.doc)
}

// Locker exposes the document lock for long running sync sessions.
func (s *Store) Locker() sync.Locker {
	return &s.lock
}

// Doc must only be used while holding Locker.
func (s *Store) Doc() *automerge.Doc {
	return s.doc
}

// MarkChanged flags the document for the next backup after an external sync modified it.
func (s *Store) MarkChanged() {
	s.lock.Lock()
	s.changed = true
	s.lock.Unlock()
}

// Backup writes the canvas document to the database when it changed since the last backup.
func (s *Store) Backup(ctx context.Context) error {
	s.lock.Lock()
	if !s.changed {
		s.lock.Unlock()
		return nil
	}
	content := base64.StdEncoding.EncodeToString(s.doc.Save())
	heads := s.doc.Heads()
	s.changed = false
	s.lock.Unlock()

	res, err := s.database.ExecContext(ctx,
		s.rebind(`UPDATE canvas_state SET content = ?, updated_at = ? WHERE id = ? AND content != ?`),
		content, formatTime(time.Now()), replication.CanvasRowID, content,
	)
	if err != nil {
		s.MarkChanged()
		return fmt.Errorf("failed to backup canvas: %w", err)
	}
	if r, _ := res.RowsAffected(); r > 0 {
		slog.Info("backed up", "heads", heads)
	}
	return nil
}

// UpsertUser inserts the participant unless a row already exists, then returns the stored row.
func (s *Store) UpsertUser(ctx context.Context, user replication.User) (replication.User, error) {
	if user.ID == "" {
		return replication.User{}, ErrInvalidUser
	}
	now := time.Now()
	if user.JoinedAt.IsZero() {
		user.JoinedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	if _, err := s.database.ExecContext(ctx,
		s.rebind(`INSERT INTO users (id, ink, joined_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		user.ID, s.clamp(user.Ink), formatTime(user.JoinedAt), formatTime(user.UpdatedAt),
	); err != nil {
		return replication.User{}, fmt.Errorf("failed to upsert user: %w", err)
	}
	return s.User(ctx, user.ID)
}

func (s *Store) User(ctx context.Context, id string) (replication.User, error) {
	var u replication.User
	var joined, updated string
	if err := s.database.QueryRowContext(ctx,
		s.rebind(`SELECT id, ink, joined_at, updated_at FROM users WHERE id = ?`), id,
	).Scan(&u.ID, &u.Ink, &joined, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return replication.User{}, fmt.Errorf("user %q: %w", id, replication.ErrNotFound)
		}
		return replication.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	var err error
	if u.JoinedAt, err = parseTime(joined); err != nil {
		return replication.User{}, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return replication.User{}, err
	}
	return u, nil
}

// UpdateInk overwrites the participant's ink. There is no compare-and-swap: the last accepted write wins.
func (s *Store) UpdateInk(ctx context.Context, id string, ink int, updatedAt time.Time) (replication.User, error) {
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	res, err := s.database.ExecContext(ctx,
		s.rebind(`UPDATE users SET ink = ?, updated_at = ? WHERE id = ?`),
		s.clamp(ink), formatTime(updatedAt), id,
	)
	if err != nil {
		return replication.User{}, fmt.Errorf("failed to update ink: %w", err)
	}
	if r, err := res.RowsAffected(); err != nil {
		return replication.User{}, fmt.Errorf("failed to count rows affected by ink update: %w", err)
	} else if r == 0 {
		return replication.User{}, fmt.Errorf("user %q: %w", id, replication.ErrNotFound)
	}
	return s.User(ctx, id)
}

func (s *Store) clamp(ink int) int {
	return max(0, min(ink, s.maxInk))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
