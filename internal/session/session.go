// Package session implements the control plane of the streaming pipeline:
// session lifecycle, the engine handshake, shared-memory ownership, the
// command channel, and the broadcast fan-out to subscribers.
//
// Topology per session:
//   - engine process: owns the animator, writes frames into shared memory
//   - readLoop goroutine: demultiplexes engine messages into the slot-index
//     channel and handshake replies
//   - broadcastLoop goroutine: turns published slot indices into zero-copy
//     subscriber sends
//   - monitor goroutine: reaps the engine process and fails the session on
//     an unexpected exit
//
// The session owns the shared-memory region: it creates it after the
// handshake and unlinks it on every exit path, even when the engine is
// already gone.
package session

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moma/poseflow/internal/protocol"
	"github.com/moma/poseflow/internal/shmring"
	"github.com/moma/poseflow/internal/skeleton"
)

// State is the session lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateStreaming    State = "streaming"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// Sink is a per-subscriber output. Send may fail; a failing sink is dropped
// without affecting other subscribers.
type Sink interface {
	// Send delivers one frame. The slice is a view into shared memory and
	// must not be retained after Send returns.
	Send(frame []byte) error
	// Close terminates the subscriber cleanly.
	Close() error
}

// EventSink receives session lifecycle events for operational telemetry.
// Frame payloads never pass through here.
type EventSink interface {
	Emit(event, sessionID string, fields map[string]any)
}

// Options tune one session. The zero value picks the defaults.
type Options struct {
	// Slots is the shared-memory ring depth. Default 3.
	Slots int
	// TargetDt is the engine cadence, used for cadence diagnostics.
	// Default 1/60 s.
	TargetDt time.Duration
	// InitTimeout bounds the engine handshake. Default 10 s.
	InitTimeout time.Duration
	// CloseGrace bounds the wait for a clean engine exit before the
	// process is force-terminated. Default 2 s.
	CloseGrace time.Duration
	// Events receives lifecycle events. Optional.
	Events EventSink
}

func (o Options) withDefaults() Options {
	if o.Slots <= 0 {
		o.Slots = shmring.DefaultSlots
	}
	if o.TargetDt <= 0 {
		o.TargetDt = time.Second / 60
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = 10 * time.Second
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 2 * time.Second
	}
	return o
}

// sessionIDPattern keeps ids safe for use as a shared-memory name suffix.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID checks a caller-chosen session id.
func ValidateID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return newError(ErrInvalidInput,
			"invalid session id %q: 1-64 characters, alphanumerics, hyphen and underscore only", id)
	}
	return nil
}

type subscriber struct {
	id   uint64
	sink Sink
}

// Session is the control-plane object for one streaming session.
type Session struct {
	id        string
	kind      string
	sourceRef string
	runID     string
	opts      Options
	log       *slog.Logger

	skel       skeleton.Descriptor
	frameBytes int

	ring   *shmring.Ring
	engine Engine
	conn   *protocol.Conn

	// cmdMu serializes outbound commands on the channel.
	cmdMu sync.Mutex

	// mu guards state and the subscriber set.
	mu      sync.Mutex
	state   State
	subs    map[uint64]*subscriber
	nextSub uint64

	slotCh        chan int
	engineDone    chan struct{}
	engineErr     error
	broadcastDone chan struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	stats sessionStats
}

// Create spawns the engine for the given motion source, performs the
// handshake, allocates shared memory, and starts the broadcast task. On any
// failure the engine is terminated and no shared memory is left behind.
func Create(ctx context.Context, id, sourceRef, kind string, launcher Launcher, opts Options) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	s := &Session{
		id:            id,
		kind:          kind,
		sourceRef:     sourceRef,
		runID:         uuid.NewString(),
		opts:          opts,
		state:         StateInitializing,
		subs:          make(map[uint64]*subscriber),
		slotCh:        make(chan int, opts.Slots),
		engineDone:    make(chan struct{}),
		broadcastDone: make(chan struct{}),
	}
	s.log = slog.With("component", "session", "session_id", id, "run_id", s.runID)
	s.stats.init(opts.TargetDt)

	eng, err := launcher.Launch(ctx, sourceRef, kind)
	if err != nil {
		return nil, newError(ErrInitFailure, "failed to spawn engine: %v", err)
	}
	s.engine = eng
	s.conn = eng.Conn()

	replies := make(chan protocol.Message, 8)

	s.wg.Add(1)
	go s.readLoop(replies)

	s.wg.Add(1)
	go s.monitor()

	// Handshake: bounded wait for init_success with a cooperative timeout.
	if err := s.awaitInit(ctx, replies); err != nil {
		s.abortCreate()
		return nil, err
	}

	// The session owns the region; the engine only borrows it. Create and
	// unlink happen here on every path.
	ring, err := shmring.Create("poseflow-"+id, opts.Slots, s.frameBytes)
	if err != nil {
		s.abortCreate()
		return nil, newError(ErrInitFailure, "failed to allocate shared memory: %v", err)
	}
	s.ring = ring

	setShm, err := protocol.New(protocol.KindSetShm, protocol.SetShmPayload{
		Name:  ring.Name(),
		Slots: opts.Slots,
	}, false)
	if err == nil {
		err = s.conn.Send(setShm)
	}
	if err != nil {
		s.abortCreate()
		ring.Close()
		ring.Unlink()
		return nil, newError(ErrInitFailure, "failed to bind engine to shared memory: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.broadcastLoop(runCtx)

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	s.log.Info("session ready",
		"kind", kind,
		"source_ref", sourceRef,
		"bones", s.skel.NumBones(),
		"frame_bytes", s.frameBytes,
		"shm_name", ring.Name(),
		"shm_bytes", ring.Size(),
	)
	s.emit("session_ready", map[string]any{
		"kind":        kind,
		"frame_bytes": s.frameBytes,
	})

	return s, nil
}

// awaitInit waits for the engine's handshake reply.
func (s *Session) awaitInit(ctx context.Context, replies <-chan protocol.Message) error {
	deadline := time.NewTimer(s.opts.InitTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return newError(ErrInitFailure, "create cancelled: %v", ctx.Err())

		case <-deadline.C:
			return newError(ErrInitTimeout,
				"engine did not complete handshake within %s", s.opts.InitTimeout)

		case <-s.engineDone:
			// Prefer the engine's own failure reason if it arrived with
			// the exit.
			select {
			case m := <-replies:
				if m.Kind == protocol.KindInitFailure {
					var p protocol.InitFailurePayload
					if m.Decode(&p) == nil {
						return newError(ErrInitFailure, "%s", p.Reason)
					}
				}
			default:
			}
			return newError(ErrInitFailure, "engine exited during handshake")

		case m := <-replies:
			switch m.Kind {
			case protocol.KindInitSuccess:
				var p protocol.InitSuccessPayload
				if err := m.Decode(&p); err != nil {
					return newError(ErrInitFailure, "bad init_success payload: %v", err)
				}
				if p.FrameBytes == 0 {
					return newError(ErrInitFailure, "engine advertised zero frame size")
				}
				if err := p.Skeleton.Validate(); err != nil {
					return newError(ErrInitFailure, "engine advertised invalid skeleton: %v", err)
				}
				s.skel = p.Skeleton
				s.frameBytes = int(p.FrameBytes)
				return nil

			case protocol.KindInitFailure:
				var p protocol.InitFailurePayload
				if err := m.Decode(&p); err != nil {
					return newError(ErrInitFailure, "animator initialize failed")
				}
				return newError(ErrInitFailure, "%s", p.Reason)

			default:
				s.log.Warn("unexpected message during handshake", "message_kind", m.Kind)
			}
		}
	}
}

// abortCreate tears down a half-created session. The monitor goroutine
// reaps the process asynchronously, so the caller's deadline is honored
// without waiting on the kill.
func (s *Session) abortCreate() {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()

	if err := s.engine.Kill(); err != nil {
		s.log.Debug("engine kill during teardown", "error", err)
	}
}

// readLoop demultiplexes engine messages: frame announcements feed the
// bounded slot-index channel (newest wins under lag), everything else goes
// to the handshake reply channel. Exits when the channel breaks.
func (s *Session) readLoop(replies chan<- protocol.Message) {
	defer s.wg.Done()

	for {
		m, err := s.conn.Recv()
		if err != nil {
			s.log.Debug("engine channel closed", "error", err)
			return
		}

		if m.Kind == protocol.KindFrame {
			var p protocol.FramePayload
			if err := m.Decode(&p); err != nil {
				s.log.Warn("bad frame payload", "error", err)
				continue
			}
			if p.Slot < 0 || p.Slot >= s.opts.Slots {
				s.log.Warn("slot index out of range", "slot", p.Slot)
				continue
			}
			s.stats.recordProduced(time.Now())

			// Bounded channel, live-stream semantics: when the broadcast
			// task lags, discard the oldest pending index so the newest
			// frame goes out first.
			select {
			case s.slotCh <- p.Slot:
			default:
				select {
				case <-s.slotCh:
					s.stats.recordOverrun()
				default:
				}
				select {
				case s.slotCh <- p.Slot:
				default:
				}
			}
			continue
		}

		select {
		case replies <- m:
		default:
			s.log.Warn("dropping unexpected engine message", "message_kind", m.Kind)
		}
	}
}

// monitor reaps the engine process. An exit outside Closing is an engine
// loss: the session transitions to Failed, subscribers get a clean close,
// and shared memory is unlinked.
func (s *Session) monitor() {
	defer s.wg.Done()

	err := s.engine.Wait()

	s.mu.Lock()
	s.engineErr = err
	st := s.state
	s.mu.Unlock()
	close(s.engineDone)

	switch st {
	case StateReady, StateStreaming:
		s.fail(err)
	default:
		// Expected during Initializing teardown and Closing.
	}
}

// fail handles an unexpected engine exit during streaming.
func (s *Session) fail(waitErr error) {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	subs := s.takeSubscribersLocked()
	s.mu.Unlock()

	s.log.Error("engine lost, failing session",
		"pid", s.engine.Pid(),
		"error", waitErr,
	)

	// Stop the broadcast task before touching the mapping: slot views must
	// not outlive the munmap.
	s.cancel()
	<-s.broadcastDone

	for _, sub := range subs {
		if err := sub.sink.Close(); err != nil {
			s.log.Debug("subscriber close failed", "subscriber_id", sub.id, "error", err)
		}
	}

	if s.ring != nil {
		s.ring.Close()
		if err := s.ring.Unlink(); err != nil {
			s.log.Error("failed to unlink shared memory", "error", err)
		}
	}

	s.emit("session_failed", map[string]any{"error": errString(waitErr)})
}

// ID returns the caller-chosen session id.
func (s *Session) ID() string { return s.id }

// Kind returns the animator kind.
func (s *Session) Kind() string { return s.kind }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Describe returns the cached handshake data: the immutable skeleton
// descriptor and the per-frame byte size.
func (s *Session) Describe() (skeleton.Descriptor, int) {
	return s.skel, s.frameBytes
}

// Subscribe adds a sink to the fan-out set. The first subscriber moves the
// session from Ready to Streaming.
func (s *Session) Subscribe(sink Sink) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady, StateStreaming:
	case StateFailed:
		return 0, newError(ErrEngineLost, "session %s lost its engine", s.id)
	default:
		return 0, newError(ErrClosedSession, "session %s is %s", s.id, s.state)
	}

	s.nextSub++
	id := s.nextSub
	s.subs[id] = &subscriber{id: id, sink: sink}

	if s.state == StateReady {
		s.state = StateStreaming
	}

	s.log.Info("subscriber added", "subscriber_id", id, "subscribers", len(s.subs))
	return id, nil
}

// Unsubscribe removes a subscriber. Idempotent; the sink is not closed.
func (s *Session) Unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return
	}
	delete(s.subs, id)
	s.log.Info("subscriber removed", "subscriber_id", id, "subscribers", len(s.subs))
}

// SetSpeed sets the playback speed multiplier. Fire and forget: returns
// once the command is on the channel.
func (s *Session) SetSpeed(value float32) error {
	return s.command(protocol.KindSetSpeed, protocol.SpeedPayload{Value: value})
}

// Pause freezes the playback cursor. The engine keeps producing frames with
// a held pose.
func (s *Session) Pause() error {
	return s.command(protocol.KindPause, nil)
}

// Resume continues playback at the pre-pause speed.
func (s *Session) Resume() error {
	return s.command(protocol.KindResume, nil)
}

// Seek sets the playback cursor in seconds.
func (s *Session) Seek(seconds float32) error {
	return s.command(protocol.KindSeek, protocol.SeekPayload{Time: seconds})
}

// command serializes one fire-and-forget command onto the channel.
func (s *Session) command(kind string, payload any) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch st {
	case StateReady, StateStreaming:
	case StateFailed:
		return newError(ErrEngineLost, "session %s lost its engine", s.id)
	default:
		return newError(ErrClosedSession, "session %s is %s", s.id, st)
	}

	m, err := protocol.New(kind, payload, false)
	if err != nil {
		return err
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.conn.Send(m); err != nil {
		return newError(ErrEngineLost, "failed to send %s: %v", kind, err)
	}
	return nil
}

// Close shuts the session down: shutdown command, bounded wait for engine
// exit (force kill past the grace period), broadcast cancellation, subscriber
// close, shared-memory unlink. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(s.doClose)
	return nil
}

func (s *Session) doClose() {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	subs := s.takeSubscribersLocked()
	s.mu.Unlock()

	s.log.Info("closing session", "previous_state", string(prev))

	if prev == StateReady || prev == StateStreaming {
		shutdown, err := protocol.New(protocol.KindShutdown, nil, false)
		if err == nil {
			s.cmdMu.Lock()
			err = s.conn.Send(shutdown)
			s.cmdMu.Unlock()
		}
		if err != nil {
			s.log.Warn("failed to send shutdown, killing engine", "error", err)
			s.engine.Kill()
		}

		select {
		case <-s.engineDone:
		case <-time.After(s.opts.CloseGrace):
			s.log.Warn("engine did not exit within grace period, killing",
				"pid", s.engine.Pid(),
				"grace", s.opts.CloseGrace,
			)
			s.engine.Kill()
			<-s.engineDone
		}
	}

	if s.cancel != nil {
		s.cancel()
		<-s.broadcastDone
	}
	s.wg.Wait()

	for _, sub := range subs {
		if err := sub.sink.Close(); err != nil {
			s.log.Debug("subscriber close failed", "subscriber_id", sub.id, "error", err)
		}
	}

	if s.ring != nil {
		s.ring.Close()
		if err := s.ring.Unlink(); err != nil {
			s.log.Error("failed to unlink shared memory", "error", err)
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.log.Info("session closed")
	s.emit("session_closed", nil)
}

// takeSubscribersLocked empties the subscriber set and returns the previous
// members. Caller holds mu.
func (s *Session) takeSubscribersLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[uint64]*subscriber)
	return subs
}

func (s *Session) emit(event string, fields map[string]any) {
	if s.opts.Events == nil {
		return
	}
	s.opts.Events.Emit(event, s.id, fields)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
