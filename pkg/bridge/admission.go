package bridge

import (
	"context"
	"time"

	"minima/internal/metrics"
	"minima/pkg/types"
)

// begin reserves a queue slot and then the single mutation slot shared by
// generation, ingestion, warm-up and reset. Returns a release func to be
// deferred.
func (b *Bridge) begin(ctx context.Context, op string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	start := time.Now()

	// Try to reserve a queue slot with timeout
	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()
	select {
	case b.queueCh <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		metrics.IncBusy("queue_full")
		return func() {}, types.Errorf(types.KindContextBusy, "%s: %d calls already queued", op, cap(b.queueCh))
	}

	// Wait to acquire the single in-flight slot
	acquired := false
	defer func() {
		if !acquired {
			<-b.queueCh
		}
	}()
	select {
	case b.genCh <- struct{}{}:
		acquired = true
		metrics.ObserveQueueWait(time.Since(start))
		return func() { <-b.genCh; <-b.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		metrics.IncBusy("wait_timeout")
		return func() {}, types.Errorf(types.KindContextBusy, "%s: context busy after %s", op, b.maxWait)
	}
}
