// Package wall composes the grid, the ink ledger and the replication channel into one participant session.
package wall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/astromechza/inkwall/pkg/canvas"
	"github.com/astromechza/inkwall/pkg/config"
	"github.com/astromechza/inkwall/pkg/ink"
	"github.com/astromechza/inkwall/pkg/replication"
)

var ErrInsufficientInk = errors.New("insufficient ink")

// Session is constructed once per process and passed to whatever drives painting.
type Session struct {
	cfg     config.Config
	grid    *canvas.Grid
	ledger  *ink.Ledger
	channel *replication.Channel

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open builds a session and syncs it with the backend. Failures to reach the backend are returned alongside a usable
// session: painting continues against local state until the next successful sync.
func Open(ctx context.Context, backend replication.Backend, cache ink.Cache, cfg config.Config, participantID string, opts ...ink.Option) (*Session, error) {
	s := &Session{
		cfg:  cfg,
		grid: canvas.NewGrid(cfg.GridSize, backend),
		ledger: ink.NewLedger(backend, cache, ink.Config{
			MaxInk:        cfg.MaxInk,
			RegenAmount:   cfg.RegenAmount,
			RegenInterval: cfg.RegenInterval,
		}, opts...),
		channel: replication.NewChannel(backend, cfg.BatchDelay),
	}

	var errs []error
	if err := s.grid.Load(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.grid.Subscribe(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.ledger.Initialize(ctx, participantID); err != nil {
		errs = append(errs, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if !s.connected() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reconnectContinuously(loopCtx)
		}()
	}
	return s, errors.Join(errs...)
}

func (s *Session) connected() bool {
	return s.grid.Subscribed() && s.ledger.Connected()
}

// reconnectContinuously retries the parts of Open that could not reach the backend until they all succeed.
func (s *Session) reconnectContinuously(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	for {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		if err := s.reconnect(ctx); err != nil {
			slog.Warn("session still disconnected", "err", err)
			continue
		}
		slog.Info("session reconnected", "id", s.ledger.ID())
		return
	}
}

func (s *Session) reconnect(ctx context.Context) error {
	var errs []error
	if !s.grid.Subscribed() {
		if err := s.grid.Load(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.grid.Subscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if !s.ledger.Connected() {
		if err := s.ledger.Reconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) Grid() *canvas.Grid {
	return s.grid
}

func (s *Session) Ledger() *ink.Ledger {
	return s.ledger
}

// Paint spends ink for one cell, applies it locally and queues both changes for the backend.
func (s *Session) Paint(x, y int, color string) error {
	if err := canvas.ValidateCell(x, y, color, s.grid.Size()); err != nil {
		return err
	}
	remaining, ok := s.ledger.TrySpend(s.cfg.PaintCost)
	if !ok {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientInk, s.cfg.PaintCost, remaining)
	}
	if err := s.grid.SetCell(x, y, color); err != nil {
		// validated above, a failure here means the grid changed size underneath us
		slog.Error("failed to set cell after spending", "x", x, "y", y, "err", err)
		return err
	}
	s.channel.PushPixel(canvas.Key(x, y), color)
	s.channel.PushInk(s.ledger.ID(), remaining)
	return nil
}

// Flush waits for all queued changes to reach the backend.
func (s *Session) Flush(ctx context.Context) error {
	return s.channel.Flush(ctx)
}

// Close flushes pending writes and tears the components down. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.cancel()
	s.wg.Wait()
	return errors.Join(
		s.channel.Close(ctx),
		s.ledger.Destroy(),
		s.grid.Unsubscribe(),
	)
}
