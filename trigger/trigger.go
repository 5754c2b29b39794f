// Package trigger decides when a queue is replayed. The queue never
// schedules itself; a Trigger calls back into it.
package trigger

import (
	"context"
	"time"

	"github.com/nickpoorman/http-requeue/internal/ticker"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Func is what a trigger invokes when it fires, usually a replay pass.
type Func func(ctx context.Context) error

type Trigger interface {
	// Run blocks, invoking fn every time the trigger fires, until ctx is done
	// (returning nil) or the trigger itself fails. Errors from fn are reported
	// and do not stop the trigger.
	Run(ctx context.Context, fn Func) error
}

// Interval fires on a fixed interval.
type Interval struct {
	d         time.Duration
	immediate bool
	logger    zerolog.Logger
}

// NewInterval fires every d. With immediate set it also fires once right away.
func NewInterval(d time.Duration, immediate bool, logger zerolog.Logger) (*Interval, error) {
	if d <= 0 {
		return nil, errors.Errorf("trigger: interval must be positive, got %s", d)
	}
	return &Interval{d: d, immediate: immediate, logger: logger}, nil
}

func (i *Interval) Run(ctx context.Context, fn Func) error {
	if i.immediate {
		i.fire(ctx, fn)
	}
	t := ticker.New(i.d)
	t.Loop(ctx, func() bool {
		i.fire(ctx, fn)
		return true
	})
	return nil
}

func (i *Interval) fire(ctx context.Context, fn Func) {
	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		i.logger.Err(err).Dur("interval", i.d).Msg("trigger: interval run failed")
	}
}
