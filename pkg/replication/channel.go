package replication

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"
)

var ErrChannelClosed = errors.New("replication channel closed")

type jobKind int

const (
	jobPixels jobKind = iota
	jobInk
	jobBarrier
)

type job struct {
	kind jobKind

	pixels map[string]string

	id        string
	ink       int
	updatedAt time.Time

	done []chan error
}

func (j *job) name() string {
	switch j.kind {
	case jobPixels:
		return "write pixels"
	case jobInk:
		return "update ink"
	default:
		return "barrier"
	}
}

// Channel pushes local mutations to a Backend without blocking the caller. All pushes run on one worker goroutine;
// pixel writes are coalesced for the batch delay and sent as one write. While the backend is slow, queued writes to
// the same row are merged, later values replacing earlier ones, so the queue never grows past one pixel batch and one
// ink update per participant. Failures are logged and passed to the error hook but never retried.
type Channel struct {
	backend    Backend
	batchDelay time.Duration
	onError    func(op string, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock    sync.Mutex
	ready   *sync.Cond
	queue   []*job
	pending map[string]string
	timer   *time.Timer
	closed  bool
}

type ChannelOption func(*Channel)

// WithErrorHook registers fn to observe every failed push.
func WithErrorHook(fn func(op string, err error)) ChannelOption {
	return func(c *Channel) {
		c.onError = fn
	}
}

func NewChannel(backend Backend, batchDelay time.Duration, opts ...ChannelOption) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		backend:    backend,
		batchDelay: batchDelay,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]string),
	}
	c.ready = sync.NewCond(&c.lock)
	for _, opt := range opts {
		opt(c)
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Channel) run() {
	defer c.wg.Done()
	for {
		j, ok := c.next()
		if !ok {
			return
		}
		var err error
		switch j.kind {
		case jobPixels:
			err = c.backend.WritePixels(c.ctx, j.pixels)
		case jobInk:
			err = c.backend.UpdateInk(c.ctx, j.id, j.ink, j.updatedAt)
		}
		if err != nil {
			slog.Error("failed to push", "op", j.name(), "err", err)
			if c.onError != nil {
				c.onError(j.name(), err)
			}
		}
		for _, done := range j.done {
			done <- err
		}
	}
}

// next waits for a queued job. It reports false once the channel is closed and the queue drained.
func (c *Channel) next() (*job, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for len(c.queue) == 0 {
		if c.closed {
			return nil, false
		}
		c.ready.Wait()
	}
	j := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return j, true
}

// queueLocked adds j to the queue, merging it into a queued job for the same row when there is one. It never blocks.
func (c *Channel) queueLocked(j *job) {
	for _, q := range c.queue {
		switch {
		case j.kind == jobPixels && q.kind == jobPixels:
			maps.Copy(q.pixels, j.pixels)
		case j.kind == jobInk && q.kind == jobInk && q.id == j.id:
			q.ink, q.updatedAt = j.ink, j.updatedAt
		default:
			continue
		}
		q.done = append(q.done, j.done...)
		return
	}
	c.queue = append(c.queue, j)
	c.ready.Signal()
}

// PushPixel schedules a cell write. Writes made within the batch delay of each other are sent together.
func (c *Channel) PushPixel(key string, color string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		slog.Warn("dropping pixel push on closed channel", "cell", key)
		return
	}
	c.pending[key] = color
	if c.timer == nil {
		c.timer = time.AfterFunc(c.batchDelay, func() {
			c.lock.Lock()
			defer c.lock.Unlock()
			c.timer = nil
			if !c.closed {
				c.flushLocked(nil)
			}
		})
	}
}

func (c *Channel) flushLocked(done chan error) {
	if len(c.pending) == 0 {
		return
	}
	j := &job{kind: jobPixels, pixels: c.pending}
	if done != nil {
		j.done = []chan error{done}
	}
	c.pending = make(map[string]string)
	c.queueLocked(j)
}

// PushInk schedules a persist of the participant's ink.
func (c *Channel) PushInk(id string, ink int) {
	updatedAt := time.Now().UTC()
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		slog.Warn("dropping ink push on closed channel", "id", id)
		return
	}
	c.queueLocked(&job{kind: jobInk, id: id, ink: ink, updatedAt: updatedAt})
}

// Pending returns a copy of the pixel writes waiting for the batch delay.
func (c *Channel) Pending() map[string]string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return maps.Clone(c.pending)
}

// Flush sends any pending pixel writes now and waits for every push queued before it to finish. It returns the error
// of the pixel write, if there was one.
func (c *Channel) Flush(ctx context.Context) error {
	written := make(chan error, 1)
	done := make(chan error, 1)
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrChannelClosed
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.flushLocked(written)
	// the batch may merge into a queued write ahead of other pushes, the barrier waits for all of them
	c.queueLocked(&job{kind: jobBarrier, done: []chan error{done}})
	c.lock.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-written:
		return err
	default:
		return nil
	}
}

// Close flushes pending writes and stops the worker. Pushes after Close are dropped. When ctx ends first, the call in
// flight is cancelled and the remaining queue is discarded.
func (c *Channel) Close(ctx context.Context) error {
	flushErr := c.Flush(ctx)
	if errors.Is(flushErr, ErrChannelClosed) {
		return nil
	}

	c.lock.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.ready.Broadcast()
	c.lock.Unlock()

	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		c.lock.Lock()
		c.queue = nil
		c.lock.Unlock()
		c.cancel()
		<-stopped
	}
	c.cancel()
	return flushErr
}
