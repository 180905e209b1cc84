package slp

import (
	"context"
	"time"
)

// ticker is a thin wrapper around time.Ticker, used by the TX poll loop
// and the RX NACK generator.
type ticker struct {
	t *time.Ticker
}

func newTicker(d time.Duration) *ticker {
	return &ticker{t: time.NewTicker(d)}
}

func (tk *ticker) C() <-chan time.Time { return tk.t.C }

func (tk *ticker) Stop() { tk.t.Stop() }

// sleepCtx sleeps for d or returns early (reporting false) if ctx is
// canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
