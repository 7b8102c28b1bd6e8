// Package memory is an in-process authoritative store that satisfies replication.Backend. It backs tests and the
// client's offline mode.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/astromechza/inkwall/pkg/broker"
	"github.com/astromechza/inkwall/pkg/canvas"
	"github.com/astromechza/inkwall/pkg/replication"
)

type Backend struct {
	gridSize int
	maxInk   int
	broker   *broker.Local

	lock    sync.Mutex
	pixels  map[string]string
	users   map[string]replication.User
	failure error
	writes  int
}

var _ replication.Backend = (*Backend)(nil)

func New(gridSize, maxInk int) *Backend {
	return &Backend{
		gridSize: gridSize,
		maxInk:   maxInk,
		broker:   broker.NewLocal(),
		pixels:   make(map[string]string),
		users:    make(map[string]replication.User),
	}
}

// Fail makes every following operation return err until Fail(nil) is called.
func (b *Backend) Fail(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.failure = err
}

func (b *Backend) failed() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.failure
}

func (b *Backend) FetchCanvas(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.failed(); err != nil {
		return nil, err
	}
	return b.Pixels(), nil
}

func (b *Backend) WritePixels(ctx context.Context, pixels map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, dropped := canvas.Sanitize(pixels, b.gridSize)
	if dropped > 0 {
		return fmt.Errorf("%w: %d cells rejected", canvas.ErrInvalidCell, dropped)
	}
	b.lock.Lock()
	if b.failure != nil {
		b.lock.Unlock()
		return b.failure
	}
	maps.Copy(b.pixels, clean)
	b.writes++
	snapshot := maps.Clone(b.pixels)
	b.lock.Unlock()
	return b.publishCanvas(ctx, snapshot)
}

func (b *Backend) UpsertUser(ctx context.Context, user replication.User) (replication.User, error) {
	if err := ctx.Err(); err != nil {
		return replication.User{}, err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.failure != nil {
		return replication.User{}, b.failure
	}
	if existing, ok := b.users[user.ID]; ok {
		return existing, nil
	}
	user.Ink = clamp(user.Ink, b.maxInk)
	b.users[user.ID] = user
	return user, nil
}

func (b *Backend) UpdateInk(ctx context.Context, id string, ink int, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.lock.Lock()
	if b.failure != nil {
		b.lock.Unlock()
		return b.failure
	}
	user, ok := b.users[id]
	if !ok {
		b.lock.Unlock()
		return fmt.Errorf("user %q: %w", id, replication.ErrNotFound)
	}
	user.Ink = clamp(ink, b.maxInk)
	user.UpdatedAt = updatedAt
	b.users[id] = user
	b.lock.Unlock()
	return b.publishUser(ctx, user)
}

// Subscribe delivers the current row immediately, then every later change, on the goroutine that made the change.
func (b *Backend) Subscribe(ctx context.Context, topic replication.Topic, handler replication.Handler) (replication.Subscription, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("invalid topic %q", topic)
	}
	if err := b.failed(); err != nil {
		return nil, err
	}
	cancel, err := b.broker.Subscribe(ctx, string(topic), func(payload []byte) {
		handler(replication.Notification{Topic: topic, Payload: payload})
	})
	if err != nil {
		return nil, err
	}
	if n, ok, err := b.current(topic); err != nil {
		_ = cancel()
		return nil, err
	} else if ok {
		handler(n)
	}
	return replication.SubscriptionFunc(cancel), nil
}

func (b *Backend) current(topic replication.Topic) (replication.Notification, bool, error) {
	if topic == replication.CanvasTopic {
		n, err := replication.NewCanvasNotification(b.Pixels())
		return n, err == nil, err
	}
	id, _ := topic.UserID()
	user, ok := b.User(id)
	if !ok {
		return replication.Notification{}, false, nil
	}
	n, err := replication.NewUserNotification(user)
	return n, err == nil, err
}

// Deliver publishes an arbitrary payload on topic as if the store had produced it. Tests use it to replay stale or
// malformed notifications.
func (b *Backend) Deliver(ctx context.Context, topic replication.Topic, payload []byte) error {
	return b.broker.Publish(ctx, string(topic), payload)
}

// SetUser overwrites a participant row without publishing, like a write made by another device that has not been
// observed yet.
func (b *Backend) SetUser(user replication.User) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.users[user.ID] = user
}

func (b *Backend) User(id string) (replication.User, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	u, ok := b.users[id]
	return u, ok
}

func (b *Backend) Pixels() map[string]string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return maps.Clone(b.pixels)
}

// Writes counts the successful WritePixels calls.
func (b *Backend) Writes() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.writes
}

// Subscribers reports the number of live subscriptions on topic.
func (b *Backend) Subscribers(topic replication.Topic) int {
	return b.broker.Subscribers(string(topic))
}

func (b *Backend) publishCanvas(ctx context.Context, pixels map[string]string) error {
	n, err := replication.NewCanvasNotification(pixels)
	if err != nil {
		return err
	}
	return b.broker.Publish(ctx, string(n.Topic), n.Payload)
}

func (b *Backend) publishUser(ctx context.Context, user replication.User) error {
	n, err := replication.NewUserNotification(user)
	if err != nil {
		return err
	}
	return b.broker.Publish(ctx, string(n.Topic), n.Payload)
}

func clamp(ink, maxInk int) int {
	return max(0, min(ink, maxInk))
}
