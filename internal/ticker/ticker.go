package ticker

import (
	"context"
	"sync"
	"time"
)

type Ticker struct {
	ticker   *time.Ticker
	quit     chan struct{}
	stopOnce sync.Once
}

func New(d time.Duration) *Ticker {
	return &Ticker{
		ticker: time.NewTicker(d),
		quit:   make(chan struct{}),
	}
}

// Loop will run the provided function fn on every tick until ctx is done or
// Stop is called. Once stopped, the loop will not run even if there are
// pending ticks from the ticker. If fn returns false the loop terminates.
func (t *Ticker) Loop(ctx context.Context, fn func() bool) {
	defer t.ticker.Stop()
	for {
		select {
		// Don't run this iteration of the loop if we've already been told to stop.
		case <-t.quit:
			return
		case <-ctx.Done():
			return
		default:
			select {
			case <-t.quit:
				return
			case <-ctx.Done():
				return
			case <-t.ticker.C:
				if !fn() {
					return
				}
			}
		}
	}
}

// Stop ends the loop. It may be called more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.quit)
	})
}
