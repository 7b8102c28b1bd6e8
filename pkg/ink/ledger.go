// Package ink tracks one participant's painting budget. Spends are local and optimistic, a scheduler regenerates
// the budget over time, and every authoritative row change replaces the local value outright.
package ink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/inkwall/pkg/localcache"
	"github.com/astromechza/inkwall/pkg/replication"
)

var (
	ErrNegativeAmount     = errors.New("amount must not be negative")
	ErrAlreadyInitialized = errors.New("ledger already initialized")
	ErrDestroyed          = errors.New("ledger destroyed")
)

// Store is the part of the replication backend the ledger writes to and listens on.
type Store interface {
	UpsertUser(ctx context.Context, user replication.User) (replication.User, error)
	UpdateInk(ctx context.Context, id string, ink int, updatedAt time.Time) error
	Subscribe(ctx context.Context, topic replication.Topic, handler replication.Handler) (replication.Subscription, error)
}

type Cache interface {
	Load() (localcache.Record, bool, error)
	Save(localcache.Record) error
}

type Config struct {
	MaxInk      int
	RegenAmount int
	// RegenInterval of zero disables the scheduler; Tick can still be called directly.
	RegenInterval time.Duration
}

type Option func(*Ledger)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithIDGenerator replaces the random participant id generator.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) {
		l.newID = fn
	}
}

type Ledger struct {
	store Store
	cache Cache
	cfg   Config
	now   func() time.Time
	newID func() string

	lock      sync.Mutex
	id        string
	ink       int
	joinedAt  time.Time
	ready     bool
	destroyed bool
	// upserted is set once the store has confirmed the participant row
	upserted bool

	sub       replication.Subscription
	listening atomic.Bool
	regen     *scheduler
}

func NewLedger(store Store, cache Cache, cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		cache: cache,
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
		ink:   cfg.MaxInk,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) clamp(v int) int {
	return max(0, min(v, l.cfg.MaxInk))
}

// Initialize loads or creates the participant and starts regeneration. When participantID is empty the cached id is
// used, or a new one is generated. The authoritative row always wins over the local defaults. Failures to reach the
// store are returned but are not fatal: the ledger keeps working on its local estimate.
func (l *Ledger) Initialize(ctx context.Context, participantID string) error {
	l.lock.Lock()
	switch {
	case l.destroyed:
		l.lock.Unlock()
		return ErrDestroyed
	case l.ready:
		l.lock.Unlock()
		return ErrAlreadyInitialized
	}
	l.lock.Unlock()

	cached, found, err := l.cache.Load()
	if err != nil {
		slog.Warn("ignoring unreadable participant cache", "err", err)
		found = false
	}

	id := participantID
	if id == "" && found {
		id = cached.ID
	}
	if id == "" {
		id = l.newID()
	}

	now := l.now().UTC()
	local := replication.User{ID: id, Ink: l.cfg.MaxInk, JoinedAt: now, UpdatedAt: now}
	if found && cached.ID == id {
		local.Ink = l.clamp(cached.Ink)
		if !cached.JoinedAt.IsZero() {
			local.JoinedAt = cached.JoinedAt.UTC()
		}
	}

	var errs []error
	state, upserted := local, false
	if stored, err := l.store.UpsertUser(ctx, local); err != nil {
		slog.Error("failed to upsert participant, continuing with local state", "id", id, "err", err)
		errs = append(errs, fmt.Errorf("failed to upsert participant: %w", err))
	} else {
		state, upserted = stored, true
	}

	l.lock.Lock()
	l.id = state.ID
	l.ink = l.clamp(state.Ink)
	l.joinedAt = state.JoinedAt
	l.ready = true
	l.upserted = upserted
	record := localcache.Record{ID: l.id, Ink: l.ink, JoinedAt: l.joinedAt}
	l.lock.Unlock()

	if err := l.cache.Save(record); err != nil {
		slog.Error("failed to cache participant", "err", err)
		errs = append(errs, err)
	}

	l.listening.Store(true)
	sub, err := l.store.Subscribe(ctx, replication.UserTopic(state.ID), l.handle)
	if err != nil {
		l.listening.Store(false)
		slog.Error("failed to subscribe to participant", "id", state.ID, "err", err)
		errs = append(errs, fmt.Errorf("failed to subscribe to participant: %w", err))
	}

	l.lock.Lock()
	if l.destroyed {
		// torn down while we were talking to the store
		l.lock.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return errors.Join(append(errs, ErrDestroyed)...)
	}
	l.sub = sub
	if l.cfg.RegenInterval > 0 {
		l.regen = startScheduler(l.cfg.RegenInterval, l.Tick)
	}
	l.lock.Unlock()

	slog.Info("participant ready", "id", state.ID, "ink", state.Ink)
	return errors.Join(errs...)
}

// Connected reports whether the store has confirmed the participant row and the row subscription is open.
func (l *Ledger) Connected() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.upserted && l.sub != nil
}

// Reconnect retries whichever parts of Initialize failed to reach the store: the participant upsert, then the row
// subscription. It does nothing once both have succeeded.
func (l *Ledger) Reconnect(ctx context.Context) error {
	l.lock.Lock()
	switch {
	case l.destroyed:
		l.lock.Unlock()
		return ErrDestroyed
	case !l.ready:
		l.lock.Unlock()
		return fmt.Errorf("ledger not initialized")
	}
	upserted, subscribed, id := l.upserted, l.sub != nil, l.id
	l.lock.Unlock()

	if !upserted {
		if err := l.upsert(ctx); err != nil {
			return err
		}
	}
	if subscribed {
		return nil
	}

	l.listening.Store(true)
	sub, err := l.store.Subscribe(ctx, replication.UserTopic(id), l.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to participant: %w", err)
	}
	l.lock.Lock()
	if l.destroyed || l.sub != nil {
		l.lock.Unlock()
		_ = sub.Close()
		return nil
	}
	l.sub = sub
	l.lock.Unlock()
	slog.Info("participant reconnected", "id", id)
	return nil
}

// upsert writes the local state as the participant row unless one exists, then adopts the stored row.
func (l *Ledger) upsert(ctx context.Context) error {
	l.lock.Lock()
	local := replication.User{ID: l.id, Ink: l.ink, JoinedAt: l.joinedAt, UpdatedAt: l.now().UTC()}
	l.lock.Unlock()

	stored, err := l.store.UpsertUser(ctx, local)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}

	l.lock.Lock()
	if l.destroyed {
		l.lock.Unlock()
		return nil
	}
	l.ink = l.clamp(stored.Ink)
	l.joinedAt = stored.JoinedAt
	l.upserted = true
	record := localcache.Record{ID: l.id, Ink: l.ink, JoinedAt: l.joinedAt}
	l.lock.Unlock()

	if err := l.cache.Save(record); err != nil {
		slog.Error("failed to cache participant", "err", err)
	}
	return nil
}

func (l *Ledger) handle(n replication.Notification) {
	if !l.listening.Load() {
		return
	}
	if err := l.Apply(n); err != nil {
		slog.Warn("ignoring participant notification", "err", err)
	}
}

// Apply replaces the in-memory ink with the value carried by an authoritative row, regardless of any local spend
// that happened since that row was computed.
func (l *Ledger) Apply(n replication.Notification) error {
	var row struct {
		ID  string `json:"id"`
		Ink *int   `json:"ink"`
	}
	if err := json.Unmarshal(n.Payload, &row); err != nil {
		return fmt.Errorf("malformed participant payload: %w", err)
	}
	if row.Ink == nil {
		return fmt.Errorf("participant payload has no ink")
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	if l.destroyed || !l.ready {
		return nil
	}
	if id, ok := n.Topic.UserID(); ok && id != l.id {
		return fmt.Errorf("notification for participant %q delivered to %q", id, l.id)
	}
	if row.ID != "" && row.ID != l.id {
		return fmt.Errorf("row for participant %q delivered to %q", row.ID, l.id)
	}
	l.ink = l.clamp(*row.Ink)
	return nil
}

// Consume lowers ink by amount, stopping at zero. It never fails for lack of ink; use TrySpend to reject.
func (l *Ledger) Consume(amount int) (int, error) {
	if amount < 0 {
		return 0, ErrNegativeAmount
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	l.ink = max(0, l.ink-amount)
	return l.ink, nil
}

// TrySpend consumes amount only when enough ink is available.
func (l *Ledger) TrySpend(amount int) (int, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if amount < 0 || l.ink < amount {
		return l.ink, false
	}
	l.ink -= amount
	return l.ink, true
}

// Tick performs one regeneration step and persists the result. A failed persist keeps the local increment.
func (l *Ledger) Tick(ctx context.Context) error {
	l.lock.Lock()
	if l.destroyed || !l.ready {
		l.lock.Unlock()
		return nil
	}
	l.ink = l.clamp(l.ink + l.cfg.RegenAmount)
	id, value := l.id, l.ink
	l.lock.Unlock()

	err := l.store.UpdateInk(ctx, id, value, l.now().UTC())
	if errors.Is(err, replication.ErrNotFound) {
		// the row never made it to the store, create it from the local state instead
		err = l.upsert(ctx)
	}
	if err != nil {
		slog.Error("failed to persist regenerated ink", "id", id, "ink", value, "err", err)
		return fmt.Errorf("failed to persist ink: %w", err)
	}
	return nil
}

// Destroy stops regeneration and the participant subscription. It may be called any number of times.
func (l *Ledger) Destroy() error {
	l.lock.Lock()
	if l.destroyed {
		l.lock.Unlock()
		return nil
	}
	l.destroyed = true
	sub, regen := l.sub, l.regen
	l.sub, l.regen = nil, nil
	l.lock.Unlock()

	l.listening.Store(false)
	if regen != nil {
		regen.stop()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			return fmt.Errorf("failed to close participant subscription: %w", err)
		}
	}
	return nil
}

func (l *Ledger) ID() string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.id
}

func (l *Ledger) Ink() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.ink
}

func (l *Ledger) JoinedAt() time.Time {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.joinedAt
}

// Ready reports whether Initialize has completed and Destroy has not been called.
func (l *Ledger) Ready() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.ready && !l.destroyed
}

func (l *Ledger) MaxInk() int {
	return l.cfg.MaxInk
}
