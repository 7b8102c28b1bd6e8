package ink_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/astromechza/inkwall/pkg/ink"
	"github.com/astromechza/inkwall/pkg/localcache"
	"github.com/astromechza/inkwall/pkg/replication"
	"github.com/astromechza/inkwall/pkg/replication/memory"
)

var fixedNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func newLedger(t *testing.T, backend *memory.Backend, cfg ink.Config) (*ink.Ledger, *localcache.File) {
	t.Helper()
	cache := localcache.NewFile(filepath.Join(t.TempDir(), "participant.json"))
	l := ink.NewLedger(backend, cache, cfg,
		ink.WithClock(func() time.Time { return fixedNow }),
		ink.WithIDGenerator(func() string { return "generated" }),
	)
	t.Cleanup(func() { _ = l.Destroy() })
	return l, cache
}

func TestInitializeCreatesParticipant(t *testing.T) {
	backend := memory.New(100, 200)
	l, cache := newLedger(t, backend, ink.Config{MaxInk: 200, RegenAmount: 1})

	if err := l.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if l.ID() != "generated" {
		t.Fatalf("expected generated id, got %q", l.ID())
	}
	if l.Ink() != 200 {
		t.Fatalf("expected full ink, got %d", l.Ink())
	}
	row, ok := backend.User("generated")
	if !ok || row.Ink != 200 || !row.JoinedAt.Equal(fixedNow) {
		t.Fatalf("unexpected row %+v (found=%v)", row, ok)
	}
	rec, ok, err := cache.Load()
	if err != nil || !ok {
		t.Fatalf("expected cached record, got ok=%v err=%v", ok, err)
	}
	if rec.ID != "generated" || rec.Ink != 200 || !rec.JoinedAt.Equal(fixedNow) {
		t.Fatalf("unexpected cached record %+v", rec)
	}
}

func TestInitializeUsesCachedIdentity(t *testing.T) {
	backend := memory.New(100, 200)
	l, cache := newLedger(t, backend, ink.Config{MaxInk: 200})
	joined := fixedNow.Add(-48 * time.Hour)
	if err := cache.Save(localcache.Record{ID: "cached", Ink: 33, JoinedAt: joined}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := l.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if l.ID() != "cached" || l.Ink() != 33 || !l.JoinedAt().Equal(joined) {
		t.Fatalf("expected cached identity, got id=%q ink=%d joined=%s", l.ID(), l.Ink(), l.JoinedAt())
	}
}

func TestInitializeNeverResetsExistingRow(t *testing.T) {
	backend := memory.New(100, 200)
	joined := fixedNow.Add(-time.Hour)
	backend.SetUser(replication.User{ID: "p1", Ink: 17, JoinedAt: joined, UpdatedAt: joined})

	for i := 0; i < 2; i++ {
		l, _ := newLedger(t, backend, ink.Config{MaxInk: 200})
		if err := l.Initialize(context.Background(), "p1"); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		if l.Ink() != 17 {
			t.Fatalf("expected authoritative ink 17, got %d", l.Ink())
		}
		if !l.JoinedAt().Equal(joined) {
			t.Fatalf("expected authoritative joinedAt %s, got %s", joined, l.JoinedAt())
		}
		_ = l.Destroy()
	}
	row, _ := backend.User("p1")
	if row.Ink != 17 || !row.JoinedAt.Equal(joined) {
		t.Fatalf("expected row untouched, got %+v", row)
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	l, _ := newLedger(t, memory.New(100, 200), ink.Config{MaxInk: 200})
	if err := l.Initialize(context.Background(), "p1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := l.Initialize(context.Background(), "p1"); !errors.Is(err, ink.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitializeFallsBackWhenStoreFails(t *testing.T) {
	backend := memory.New(100, 200)
	offline := errors.New("offline")
	backend.Fail(offline)
	l, cache := newLedger(t, backend, ink.Config{MaxInk: 200})
	_ = cache.Save(localcache.Record{ID: "p1", Ink: 80, JoinedAt: fixedNow})

	err := l.Initialize(context.Background(), "")
	if !errors.Is(err, offline) {
		t.Fatalf("expected offline error, got %v", err)
	}
	if !l.Ready() {
		t.Fatal("expected ledger usable after non-fatal failure")
	}
	if l.ID() != "p1" || l.Ink() != 80 {
		t.Fatalf("expected local estimate, got id=%q ink=%d", l.ID(), l.Ink())
	}
	if _, err := l.Consume(5); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if l.Ink() != 75 {
		t.Fatalf("expected 75, got %d", l.Ink())
	}
}

func TestConsumeClampsAtZero(t *testing.T) {
	l, _ := newLedger(t, memory.New(100, 200), ink.Config{MaxInk: 200})
	_ = l.Initialize(context.Background(), "p1")

	for _, a := range []int{10, 20} {
		if _, err := l.Consume(a); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	if l.Ink() != 170 {
		t.Fatalf("expected 170, got %d", l.Ink())
	}
	remaining, err := l.Consume(500)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if remaining != 0 || l.Ink() != 0 {
		t.Fatalf("expected 0, got %d", l.Ink())
	}
	if _, err := l.Consume(-1); !errors.Is(err, ink.ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestTrySpend(t *testing.T) {
	l, _ := newLedger(t, memory.New(100, 10), ink.Config{MaxInk: 10})
	_ = l.Initialize(context.Background(), "p1")

	if remaining, ok := l.TrySpend(4); !ok || remaining != 6 {
		t.Fatalf("expected spend to succeed with 6 left, got %d ok=%v", remaining, ok)
	}
	if remaining, ok := l.TrySpend(7); ok || remaining != 6 {
		t.Fatalf("expected spend to be rejected with 6 left, got %d ok=%v", remaining, ok)
	}
	if _, ok := l.TrySpend(-1); ok {
		t.Fatal("expected negative spend to be rejected")
	}
}

func TestTickNeverExceedsMax(t *testing.T) {
	backend := memory.New(100, 200)
	l, _ := newLedger(t, backend, ink.Config{MaxInk: 200, RegenAmount: 1})
	_ = l.Initialize(context.Background(), "p1")

	for i := 0; i < 3; i++ {
		if err := l.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
		if l.Ink() != 200 {
			t.Fatalf("expected 200, got %d", l.Ink())
		}
	}
	row, _ := backend.User("p1")
	if row.Ink != 200 || !row.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected persisted row %+v", row)
	}
}

func TestTickPersistFailureKeepsIncrement(t *testing.T) {
	backend := memory.New(100, 200)
	l, _ := newLedger(t, backend, ink.Config{MaxInk: 200, RegenAmount: 3})
	_ = l.Initialize(context.Background(), "p1")
	_, _ = l.Consume(10)

	backend.Fail(errors.New("offline"))
	if err := l.Tick(context.Background()); err == nil {
		t.Fatal("expected persist error")
	}
	if l.Ink() != 193 {
		t.Fatalf("expected optimistic 193, got %d", l.Ink())
	}
	row, _ := backend.User("p1")
	if row.Ink != 200 {
		t.Fatalf("expected stored row untouched, got %d", row.Ink)
	}

	backend.Fail(nil)
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, _ = backend.User("p1")
	if row.Ink != 196 {
		t.Fatalf("expected next tick to persist 196, got %d", row.Ink)
	}
}

// A late authoritative row wins even over a local spend it never saw. This loses the spend.
func TestLateAuthoritativeRowOverwritesLocalSpend(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(100, 250)
	l, _ := newLedger(t, backend, ink.Config{MaxInk: 250, RegenAmount: 500})
	if err := l.Initialize(ctx, "p1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if _, err := l.Consume(100); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if l.Ink() != 150 {
		t.Fatalf("expected 150, got %d", l.Ink())
	}
	if err := l.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if l.Ink() != 250 {
		t.Fatalf("expected 250, got %d", l.Ink())
	}
	if err := backend.Deliver(ctx, replication.UserTopic("p1"), []byte(`{"id":"p1","ink":140}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if l.Ink() != 140 {
		t.Fatalf("expected 140, got %d", l.Ink())
	}
}

func TestApplyIgnoresForeignAndMalformedRows(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(100, 200)
	l, _ := newLedger(t, backend, ink.Config{MaxInk: 200})
	_ = l.Initialize(ctx, "p1")
	_, _ = l.Consume(50)

	for _, payload := range []string{`nope`, `{"id":"p1"}`, `{"id":"p2","ink":3}`, `{"ink":null}`} {
		_ = backend.Deliver(ctx, replication.UserTopic("p1"), []byte(payload))
	}
	if l.Ink() != 150 {
		t.Fatalf("expected 150, got %d", l.Ink())
	}

	n := replication.Notification{Topic: replication.UserTopic("p2"), Payload: []byte(`{"ink":1}`)}
	if err := l.Apply(n); err == nil {
		t.Fatal("expected foreign topic to be rejected")
	}
}

func TestApplyClampsIntoRange(t *testing.T) {
	l, _ := newLedger(t, memory.New(100, 200), ink.Config{MaxInk: 200})
	_ = l.Initialize(context.Background(), "p1")

	_ = l.Apply(replication.Notification{Topic: replication.UserTopic("p1"), Payload: []byte(`{"ink":900}`)})
	if l.Ink() != 200 {
		t.Fatalf("expected 200, got %d", l.Ink())
	}
	_ = l.Apply(replication.Notification{Topic: replication.UserTopic("p1"), Payload: []byte(`{"ink":-4}`)})
	if l.Ink() != 0 {
		t.Fatalf("expected 0, got %d", l.Ink())
	}
}

func TestDestroyIsIdempotentAndStopsUpdates(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(100, 200)
	l, _ := newLedger(t, backend, ink.Config{MaxInk: 200, RegenAmount: 1, RegenInterval: time.Hour})
	_ = l.Initialize(ctx, "p1")
	_, _ = l.Consume(20)

	if err := l.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := l.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if got := backend.Subscribers(replication.UserTopic("p1")); got != 0 {
		t.Fatalf("expected subscription released, got %d", got)
	}
	_ = l.Apply(replication.Notification{Topic: replication.UserTopic("p1"), Payload: []byte(`{"ink":5}`)})
	_ = l.Tick(ctx)
	if l.Ink() != 180 {
		t.Fatalf("expected ink frozen at 180, got %d", l.Ink())
	}
	if err := l.Initialize(ctx, "p1"); !errors.Is(err, ink.ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestSchedulerRegenerates(t *testing.T) {
	backend := memory.New(100, 200)
	l, _ := newLedger(t, backend, ink.Config{MaxInk: 200, RegenAmount: 1, RegenInterval: 5 * time.Millisecond})
	_ = l.Initialize(context.Background(), "p1")
	_, _ = l.Consume(3)

	deadline := time.Now().Add(2 * time.Second)
	for {
		row, _ := backend.User("p1")
		if l.Ink() == 200 && row.Ink == 200 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected regeneration back to 200, stuck at local=%d stored=%d", l.Ink(), row.Ink)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconnectAfterOfflineInitialize(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(100, 200)
	backend.Fail(errors.New("offline"))
	l, _ := newLedger(t, backend, ink.Config{MaxInk: 200})
	_ = l.Initialize(ctx, "p1")
	_, _ = l.Consume(25)
	if l.Connected() {
		t.Fatal("expected ledger disconnected after an offline start")
	}
	if err := l.Reconnect(ctx); err == nil {
		t.Fatal("expected reconnect to fail while offline")
	}

	backend.Fail(nil)
	if err := l.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !l.Connected() {
		t.Fatal("expected ledger connected")
	}
	row, ok := backend.User("p1")
	if !ok || row.Ink != 175 {
		t.Fatalf("expected row created from the local estimate, got %+v (found=%v)", row, ok)
	}
	if got := backend.Subscribers(replication.UserTopic("p1")); got != 1 {
		t.Fatalf("expected one subscription, got %d", got)
	}
	if err := l.Reconnect(ctx); err != nil {
		t.Fatalf("second reconnect: %v", err)
	}
	if got := backend.Subscribers(replication.UserTopic("p1")); got != 1 {
		t.Fatalf("expected reconnect to be a no-op once connected, got %d subscriptions", got)
	}

	// another device spends, the row now reaches this ledger
	_ = backend.UpdateInk(ctx, "p1", 90, fixedNow)
	if l.Ink() != 90 {
		t.Fatalf("expected 90 after reconnecting, got %d", l.Ink())
	}
}

func TestTickCreatesMissingRow(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(100, 200)
	backend.Fail(errors.New("offline"))
	l, _ := newLedger(t, backend, ink.Config{MaxInk: 200, RegenAmount: 1})
	_ = l.Initialize(ctx, "p1")
	_, _ = l.Consume(10)
	backend.Fail(nil)

	if err := l.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, ok := backend.User("p1")
	if !ok || row.Ink != 191 {
		t.Fatalf("expected tick to create the row at 191, got %+v (found=%v)", row, ok)
	}
}

type stalledStore struct {
	*memory.Backend
	entered chan struct{}
	release chan struct{}
}

func (s *stalledStore) UpdateInk(ctx context.Context, id string, value int, updatedAt time.Time) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Backend.UpdateInk(ctx, id, value, updatedAt)
}

func TestDestroyDoesNotWaitForInFlightTick(t *testing.T) {
	store := &stalledStore{Backend: memory.New(100, 200), entered: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(store.release)
	cache := localcache.NewFile(filepath.Join(t.TempDir(), "participant.json"))
	l := ink.NewLedger(store, cache, ink.Config{MaxInk: 200, RegenAmount: 1, RegenInterval: 5 * time.Millisecond})
	_ = l.Initialize(context.Background(), "p1")
	_, _ = l.Consume(50)

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a tick to start persisting")
	}

	destroyed := make(chan error, 1)
	go func() { destroyed <- l.Destroy() }()
	select {
	case err := <-destroyed:
		if err != nil {
			t.Fatalf("destroy: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected destroy to return while a persist is in flight")
	}
	before := l.Ink()
	_ = l.Apply(replication.Notification{Topic: replication.UserTopic("p1"), Payload: []byte(`{"ink":3}`)})
	if l.Ink() != before {
		t.Fatalf("expected ledger frozen after destroy, got %d", l.Ink())
	}
}
