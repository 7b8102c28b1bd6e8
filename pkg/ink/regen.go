package ink

import (
	"context"
	"time"
)

// scheduler runs tick on a fixed interval. Ticks run inline in the loop so they never overlap.
type scheduler struct {
	cancel context.CancelFunc
}

func startScheduler(interval time.Duration, tick func(ctx context.Context) error) *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				// an in-flight persist is never cancelled by stop, its errors are logged by tick
				_ = tick(context.WithoutCancel(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()
	return &scheduler{cancel: cancel}
}

// stop prevents further ticks. A tick already persisting finishes in the background; the ledger ignores it once
// destroyed.
func (s *scheduler) stop() {
	s.cancel()
}
