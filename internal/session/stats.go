package session

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// cadenceWindow is how many recent frame arrivals feed the cadence
// diagnostics.
const cadenceWindow = 120

// cadenceSteadyThreshold is the maximum mean jitter, as a fraction of the
// target interval, for the engine to count as keeping cadence.
const cadenceSteadyThreshold = 0.20

// Stats is a point-in-time diagnostic snapshot of one session.
type Stats struct {
	State         State   `json:"state"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Subscribers   int     `json:"subscribers"`

	// FramesProduced counts slot indices published by the engine.
	FramesProduced uint64 `json:"frames_produced"`
	// FramesDelivered counts successful subscriber sends.
	FramesDelivered uint64 `json:"frames_delivered"`
	// FramesSkipped counts frames produced with no subscribers attached.
	FramesSkipped uint64 `json:"frames_skipped"`
	// SlotOverruns counts slot indices discarded because the broadcast
	// task fell behind (newest-wins policy).
	SlotOverruns uint64 `json:"slot_overruns"`
	// SubscriberDrops counts subscribers removed after a failed send.
	SubscriberDrops uint64 `json:"subscriber_drops"`

	Cadence CadenceStats `json:"cadence"`
}

// CadenceStats describes how closely recent frame production tracked the
// target tick, over a rolling window.
type CadenceStats struct {
	IntervalMeanMS   float64 `json:"interval_mean_ms"`
	IntervalStdDevMS float64 `json:"interval_stddev_ms"`
	JitterMeanMS     float64 `json:"jitter_mean_ms"`
	JitterMaxMS      float64 `json:"jitter_max_ms"`
	IsSteady         bool    `json:"is_steady"`
}

// sessionStats accumulates counters and a rolling window of frame arrival
// times. Counters are atomics so the read and broadcast loops never contend.
type sessionStats struct {
	started  time.Time
	targetDt time.Duration

	produced        atomic.Uint64
	delivered       atomic.Uint64
	skipped         atomic.Uint64
	overruns        atomic.Uint64
	subscriberDrops atomic.Uint64

	mu       sync.Mutex
	arrivals []time.Time
	next     int
	filled   bool
}

func (st *sessionStats) init(targetDt time.Duration) {
	st.started = time.Now()
	st.targetDt = targetDt
	st.arrivals = make([]time.Time, cadenceWindow)
}

func (st *sessionStats) recordProduced(at time.Time) {
	st.produced.Add(1)

	st.mu.Lock()
	st.arrivals[st.next] = at
	st.next++
	if st.next == len(st.arrivals) {
		st.next = 0
		st.filled = true
	}
	st.mu.Unlock()
}

func (st *sessionStats) recordDelivered(n uint64) { st.delivered.Add(n) }
func (st *sessionStats) recordSkipped()           { st.skipped.Add(1) }
func (st *sessionStats) recordOverrun()           { st.overruns.Add(1) }
func (st *sessionStats) recordSubscriberDrop()    { st.subscriberDrops.Add(1) }

// window returns the recorded arrivals in chronological order.
func (st *sessionStats) window() []time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.filled {
		out := make([]time.Time, st.next)
		copy(out, st.arrivals[:st.next])
		return out
	}
	out := make([]time.Time, 0, len(st.arrivals))
	out = append(out, st.arrivals[st.next:]...)
	out = append(out, st.arrivals[:st.next]...)
	return out
}

// cadence computes interval and jitter statistics over the rolling window,
// compared against the target tick.
func (st *sessionStats) cadence() CadenceStats {
	arrivals := st.window()
	if len(arrivals) < 2 {
		return CadenceStats{}
	}

	intervals := make([]float64, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		intervals = append(intervals, arrivals[i].Sub(arrivals[i-1]).Seconds())
	}

	var sum float64
	for _, iv := range intervals {
		sum += iv
	}
	mean := sum / float64(len(intervals))

	var sumSquares float64
	for _, iv := range intervals {
		diff := iv - mean
		sumSquares += diff * diff
	}
	stdDev := math.Sqrt(sumSquares / float64(len(intervals)))

	expected := st.targetDt.Seconds()
	var jitterSum, jitterMax float64
	for _, iv := range intervals {
		j := math.Abs(iv - expected)
		jitterSum += j
		if j > jitterMax {
			jitterMax = j
		}
	}
	jitterMean := jitterSum / float64(len(intervals))

	return CadenceStats{
		IntervalMeanMS:   mean * 1000,
		IntervalStdDevMS: stdDev * 1000,
		JitterMeanMS:     jitterMean * 1000,
		JitterMaxMS:      jitterMax * 1000,
		IsSteady:         jitterMean < expected*cadenceSteadyThreshold,
	}
}

// Stats returns a diagnostic snapshot of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	state := s.state
	subscribers := len(s.subs)
	s.mu.Unlock()

	return Stats{
		State:           state,
		UptimeSeconds:   time.Since(s.stats.started).Seconds(),
		Subscribers:     subscribers,
		FramesProduced:  s.stats.produced.Load(),
		FramesDelivered: s.stats.delivered.Load(),
		FramesSkipped:   s.stats.skipped.Load(),
		SlotOverruns:    s.stats.overruns.Load(),
		SubscriberDrops: s.stats.subscriberDrops.Load(),
		Cadence:         s.stats.cadence(),
	}
}
