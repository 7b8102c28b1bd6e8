// Package canvas holds the local replica of the shared grid. Writes apply optimistically and the whole mapping is
// replaced by every authoritative snapshot that arrives.
package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/astromechza/inkwall/pkg/replication"
)

// Source is the part of the replication backend the grid reads from.
type Source interface {
	FetchCanvas(ctx context.Context) (map[string]string, error)
	Subscribe(ctx context.Context, topic replication.Topic, handler replication.Handler) (replication.Subscription, error)
}

type Grid struct {
	size   int
	source Source

	lock   sync.RWMutex
	pixels map[string]string

	subLock    sync.Mutex
	sub        replication.Subscription
	generation uint64
	// live holds the generation of the active subscription, or zero. Deliveries tagged with any other generation
	// belong to a released subscription and are dropped.
	live atomic.Uint64
}

func NewGrid(size int, source Source) *Grid {
	return &Grid{size: size, source: source, pixels: make(map[string]string)}
}

func (g *Grid) Size() int {
	return g.size
}

// Load replaces the local mapping with the authoritative canvas. On failure the local mapping is left untouched.
func (g *Grid) Load(ctx context.Context) error {
	pixels, err := g.source.FetchCanvas(ctx)
	if err != nil {
		slog.Error("failed to load canvas", "err", err)
		return fmt.Errorf("failed to load canvas: %w", err)
	}
	g.replace(pixels)
	return nil
}

// Subscribe starts applying canvas notifications. Calling it while already subscribed does nothing.
func (g *Grid) Subscribe(ctx context.Context) error {
	g.subLock.Lock()
	defer g.subLock.Unlock()
	if g.sub != nil {
		return nil
	}
	g.generation++
	gen := g.generation
	g.live.Store(gen)
	sub, err := g.source.Subscribe(ctx, replication.CanvasTopic, func(n replication.Notification) {
		g.handle(gen, n)
	})
	if err != nil {
		g.live.Store(0)
		slog.Error("failed to subscribe to canvas", "err", err)
		return fmt.Errorf("failed to subscribe to canvas: %w", err)
	}
	g.sub = sub
	return nil
}

// Unsubscribe releases the subscription. It is safe to call when not subscribed.
func (g *Grid) Unsubscribe() error {
	g.subLock.Lock()
	defer g.subLock.Unlock()
	if g.sub == nil {
		return nil
	}
	g.live.Store(0)
	sub := g.sub
	g.sub = nil
	if err := sub.Close(); err != nil {
		return fmt.Errorf("failed to close canvas subscription: %w", err)
	}
	return nil
}

func (g *Grid) Subscribed() bool {
	g.subLock.Lock()
	defer g.subLock.Unlock()
	return g.sub != nil
}

func (g *Grid) handle(gen uint64, n replication.Notification) {
	if g.live.Load() != gen {
		return
	}
	if err := g.Apply(n); err != nil {
		slog.Warn("ignoring canvas notification", "err", err)
	}
}

// Apply replaces the whole local mapping with the snapshot carried by n. Applying the same snapshot twice has the
// same effect as applying it once.
func (g *Grid) Apply(n replication.Notification) error {
	if n.Topic != replication.CanvasTopic {
		return fmt.Errorf("unexpected topic %q", n.Topic)
	}
	var row struct {
		Pixels *map[string]string `json:"pixels"`
	}
	if err := json.Unmarshal(n.Payload, &row); err != nil {
		return fmt.Errorf("malformed canvas payload: %w", err)
	}
	if row.Pixels == nil {
		return fmt.Errorf("canvas payload has no pixels")
	}
	g.replace(*row.Pixels)
	return nil
}

func (g *Grid) replace(pixels map[string]string) {
	clean, dropped := Sanitize(pixels, g.size)
	if dropped > 0 {
		slog.Warn("dropped invalid cells from canvas snapshot", "dropped", dropped)
	}
	g.lock.Lock()
	g.pixels = clean
	g.lock.Unlock()
}

// SetCell writes a cell into the local mapping. It does not persist anything.
func (g *Grid) SetCell(x, y int, color string) error {
	if err := ValidateCell(x, y, color, g.size); err != nil {
		return err
	}
	g.lock.Lock()
	g.pixels[Key(x, y)] = color
	g.lock.Unlock()
	return nil
}

// Cell returns the color at (x, y) and whether it is painted.
func (g *Grid) Cell(x, y int) (string, bool) {
	g.lock.RLock()
	defer g.lock.RUnlock()
	c, ok := g.pixels[Key(x, y)]
	return c, ok
}

// Pixels returns a copy of the current mapping.
func (g *Grid) Pixels() map[string]string {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return maps.Clone(g.pixels)
}

func (g *Grid) Len() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return len(g.pixels)
}
