package stats

import (
	"context"
	"time"

	"pkt.systems/iprotod/internal/clock"
)

// RunTicker closes one second on every rolling mean until ctx ends.
func RunTicker(ctx context.Context, clk clock.Clock, rmeans []*Rmean) {
	clk = clock.OrReal(clk)
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(time.Second):
			for _, r := range rmeans {
				r.Tick()
			}
		}
	}
}
