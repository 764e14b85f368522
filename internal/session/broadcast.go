package session

import (
	"context"
	"sync"
)

// fanOutBatchSize is the subscriber count above which the fan-out switches
// from a sequential loop to batched goroutines. Below the threshold the
// sequential loop is cheaper than spawning goroutines.
const fanOutBatchSize = 8

// broadcastLoop converts published slot indices into subscriber sends. It
// keeps draining the slot-index channel with zero subscribers so the
// producer never sees backpressure, and removes failing sinks without
// affecting the others.
func (s *Session) broadcastLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.broadcastDone)

	s.log.Debug("broadcast loop started")

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("broadcast loop stopped")
			return

		case slot := <-s.slotCh:
			// Zero-copy view of the published slot. Safe to read until the
			// engine revisits the same index, which at slots = 3 and
			// steady-state subscriber latency cannot happen mid-send.
			view := s.ring.Slot(slot)

			s.mu.Lock()
			subs := make([]*subscriber, 0, len(s.subs))
			for _, sub := range s.subs {
				subs = append(subs, sub)
			}
			s.mu.Unlock()

			if len(subs) == 0 {
				s.stats.recordSkipped()
				continue
			}

			failed := s.fanOut(view, subs)

			for _, sub := range failed {
				s.mu.Lock()
				delete(s.subs, sub.id)
				s.mu.Unlock()

				sub.sink.Close()
				s.stats.recordSubscriberDrop()
				s.log.Debug("subscriber dropped after send failure", "subscriber_id", sub.id)
			}

			s.stats.recordDelivered(uint64(len(subs) - len(failed)))
		}
	}
}

// fanOut sends one frame view to every subscriber and returns the ones
// whose sink failed. Small sets go sequentially; larger sets split into
// batches of fanOutBatchSize with a barrier, so each subscriber still sees
// frames in production order.
func (s *Session) fanOut(view []byte, subs []*subscriber) []*subscriber {
	if len(subs) <= fanOutBatchSize {
		var failed []*subscriber
		for _, sub := range subs {
			if err := sub.sink.Send(view); err != nil {
				failed = append(failed, sub)
			}
		}
		return failed
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for start := 0; start < len(subs); start += fanOutBatchSize {
		end := start + fanOutBatchSize
		if end > len(subs) {
			end = len(subs)
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				errs[i] = subs[i].sink.Send(view)
			}
		}(start, end)
	}
	wg.Wait()

	var failed []*subscriber
	for i, err := range errs {
		if err != nil {
			failed = append(failed, subs[i])
		}
	}
	return failed
}
