// Package engine implements the per-session compute loop that runs in its
// own OS process.
//
// The engine owns exactly one animator. After the init handshake it runs a
// fixed-cadence loop: drain control commands, ask the animator to write the
// next frame into the next shared-memory slot, publish the slot index on the
// channel back to the session, sleep until the next tick.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/moma/poseflow/internal/animator"
	"github.com/moma/poseflow/internal/protocol"
	"github.com/moma/poseflow/internal/shmring"
)

// ExitCode is the engine process exit status.
type ExitCode int

const (
	// ExitOK is a clean shutdown.
	ExitOK ExitCode = 0
	// ExitInitFailure means the animator failed to initialize.
	ExitInitFailure ExitCode = 1
	// ExitError is any unexpected error other than an initialize failure,
	// including invalid launch arguments.
	ExitError ExitCode = 2
	// ExitChannelLost means the parent dropped the command channel.
	ExitChannelLost ExitCode = 3
)

// dtClampFactor bounds the effective dt to a multiple of the target tick so
// a stalled process does not produce a huge time jump on resume.
const dtClampFactor = 4

// Config parameterizes one engine run.
type Config struct {
	// SourceRef is the motion source reference handed to the animator.
	SourceRef string
	// Kind selects the animator from the registry.
	Kind string
	// TargetDt is the production cadence. Defaults to 1/60 s.
	TargetDt time.Duration
	// ShmWait bounds the post-init wait for the set_shm command.
	// Defaults to 10 s.
	ShmWait time.Duration
	// Registry supplies animator constructors. Defaults to the built-ins.
	Registry *animator.Registry
}

// Run executes the handshake and the production loop over the given channel.
// It returns the process exit code; the caller passes it to os.Exit.
func Run(ctx context.Context, conn *protocol.Conn, cfg Config) ExitCode {
	if cfg.TargetDt <= 0 {
		cfg.TargetDt = time.Second / 60
	}
	if cfg.ShmWait <= 0 {
		cfg.ShmWait = 10 * time.Second
	}
	if cfg.Registry == nil {
		cfg.Registry = animator.Default()
	}

	log := slog.With("component", "engine", "kind", cfg.Kind, "source_ref", cfg.SourceRef)

	r := &runner{
		conn:  conn,
		cfg:   cfg,
		log:   log,
		speed: 1.0,
	}
	return r.run(ctx)
}

// runner holds the single-threaded loop state.
type runner struct {
	conn *protocol.Conn
	cfg  Config
	log  *slog.Logger

	anim       animator.Animator
	ring       *shmring.Ring
	frameBytes int

	speed  float64
	paused bool
}

func (r *runner) run(ctx context.Context) ExitCode {
	// Handshake part 1: construct and initialize the animator. This is the
	// only place blocking work is allowed.
	anim, err := r.cfg.Registry.New(r.cfg.Kind)
	if err != nil {
		r.sendInitFailure(err.Error())
		return ExitInitFailure
	}
	if err := anim.Initialize(r.cfg.SourceRef); err != nil {
		r.log.Error("animator initialize failed", "error", err)
		r.sendInitFailure(err.Error())
		return ExitInitFailure
	}
	r.anim = anim
	r.frameBytes = anim.FrameBytes()

	success, err := protocol.New(protocol.KindInitSuccess, protocol.InitSuccessPayload{
		Skeleton:   anim.Skeleton(),
		FrameBytes: uint32(r.frameBytes),
	}, false)
	if err != nil {
		r.log.Error("failed to build init_success", "error", err)
		return ExitError
	}
	if err := r.conn.Send(success); err != nil {
		r.log.Error("failed to send init_success", "error", err)
		return ExitChannelLost
	}

	r.log.Info("animator initialized",
		"bones", anim.Skeleton().NumBones(),
		"frame_bytes", r.frameBytes,
	)

	// Commands arrive on a dedicated reader goroutine so the loop can drain
	// them non-blockingly. A closed channel means the parent went away.
	cmds := make(chan protocol.Message, 32)
	go func() {
		defer close(cmds)
		for {
			m, err := r.conn.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					r.log.Warn("command channel read failed", "error", err)
				}
				return
			}
			cmds <- m
		}
	}()

	// Handshake part 2: bounded wait for set_shm.
	code, proceed := r.awaitShm(ctx, cmds)
	if !proceed {
		return code
	}
	defer r.ring.Close()

	r.log.Info("attached to shared memory",
		"shm_name", r.ring.Name(),
		"slots", r.ring.Slots(),
		"total_bytes", r.ring.Size(),
	)

	return r.loop(ctx, cmds)
}

// awaitShm consumes commands until set_shm arrives, the wait deadline
// passes, or the session shuts the engine down early.
func (r *runner) awaitShm(ctx context.Context, cmds <-chan protocol.Message) (ExitCode, bool) {
	deadline := time.NewTimer(r.cfg.ShmWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ExitOK, false

		case <-deadline.C:
			r.log.Error("timed out waiting for set_shm", "waited", r.cfg.ShmWait)
			return ExitError, false

		case m, ok := <-cmds:
			if !ok {
				return ExitChannelLost, false
			}
			if m.Kind == protocol.KindSetShm {
				var p protocol.SetShmPayload
				if err := m.Decode(&p); err != nil {
					r.log.Error("bad set_shm payload", "error", err)
					return ExitError, false
				}
				ring, err := shmring.Attach(p.Name, p.Slots, r.frameBytes)
				if err != nil {
					r.log.Error("failed to attach shared memory", "shm_name", p.Name, "error", err)
					return ExitError, false
				}
				r.ring = ring
				r.ack(m)
				return ExitOK, true
			}
			if done := r.apply(m); done {
				return ExitOK, false
			}
		}
	}
}

// loop is the fixed-cadence production loop.
func (r *runner) loop(ctx context.Context, cmds <-chan protocol.Message) ExitCode {
	ticker := time.NewTicker(r.cfg.TargetDt)
	defer ticker.Stop()

	maxDt := dtClampFactor * r.cfg.TargetDt
	last := time.Now()
	slot := 0

	for {
		// 1. Drain all pending commands without blocking.
	drain:
		for {
			select {
			case m, ok := <-cmds:
				if !ok {
					r.log.Warn("parent channel lost, exiting")
					return ExitChannelLost
				}
				if done := r.apply(m); done {
					return ExitOK
				}
			default:
				break drain
			}
		}

		// 2. Effective dt: measured wall time, clamped so stalls do not
		// turn into animation jumps. Paused sessions hold the cursor.
		now := time.Now()
		dt := now.Sub(last)
		last = now
		if dt < 0 {
			dt = 0
		}
		if dt > maxDt {
			dt = maxDt
		}
		if r.paused {
			dt = 0
		}

		// 3. Write the next frame and publish the slot index.
		r.writeFrame(slot, dt.Seconds())

		frame, err := protocol.New(protocol.KindFrame, protocol.FramePayload{Slot: slot}, false)
		if err != nil {
			r.log.Error("failed to build frame message", "error", err)
			return ExitError
		}
		if err := r.conn.Send(frame); err != nil {
			r.log.Warn("failed to publish slot index, parent gone", "error", err)
			return ExitChannelLost
		}
		slot = (slot + 1) % r.ring.Slots()

		// 4. Sleep until the next target tick.
		select {
		case <-ctx.Done():
			return ExitOK
		case <-ticker.C:
		}
	}
}

// writeFrame invokes the animator with a zero-pose fallback: a panicking
// animator yields a valid identity pose instead of a torn frame.
func (r *runner) writeFrame(slot int, dt float64) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("animator panicked, writing zero pose",
				"slot", slot,
				"panic", rec,
			)
			animator.WriteZeroPose(r.ring.Bytes(), r.ring.Offset(slot), r.frameBytes)
		}
	}()
	r.anim.WriteFrame(r.ring.Bytes(), r.ring.Offset(slot), dt, r.speed)
}

// apply executes one command against engine state. It returns true when the
// engine should exit cleanly.
func (r *runner) apply(m protocol.Message) bool {
	switch m.Kind {
	case protocol.KindSetSpeed:
		var p protocol.SpeedPayload
		if err := m.Decode(&p); err != nil {
			r.log.Warn("bad set_speed payload", "error", err)
			return false
		}
		r.speed = float64(p.Value)
		r.log.Debug("speed updated", "speed", r.speed)

	case protocol.KindPause:
		r.paused = true
		r.log.Debug("paused")

	case protocol.KindResume:
		r.paused = false
		r.log.Debug("resumed")

	case protocol.KindSeek:
		var p protocol.SeekPayload
		if err := m.Decode(&p); err != nil {
			r.log.Warn("bad seek payload", "error", err)
			return false
		}
		r.anim.Seek(float64(p.Time))
		r.log.Debug("seeked", "time_s", p.Time)

	case protocol.KindShutdown:
		r.log.Info("shutdown command received")
		r.ack(m)
		return true

	case protocol.KindSetShm:
		r.log.Warn("ignoring set_shm, already attached")
		return false

	default:
		r.log.Warn("unknown command", "command_kind", m.Kind)
		return false
	}

	r.ack(m)
	return false
}

// ack replies to a command that requested a reply. Sent within the same
// iteration the command was drained in.
func (r *runner) ack(m protocol.Message) {
	if !m.ReplyRequired {
		return
	}
	reply, err := protocol.New(protocol.KindAck, protocol.AckPayload{Kind: m.Kind}, false)
	if err != nil {
		r.log.Error("failed to build ack", "command_kind", m.Kind, "error", err)
		return
	}
	if err := r.conn.Send(reply); err != nil {
		r.log.Warn("failed to send ack", "command_kind", m.Kind, "error", err)
	}
}

// sendInitFailure reports an initialize failure and is best-effort: the
// parent may already be gone.
func (r *runner) sendInitFailure(reason string) {
	m, err := protocol.New(protocol.KindInitFailure, protocol.InitFailurePayload{Reason: reason}, false)
	if err != nil {
		r.log.Error("failed to build init_failure", "error", err)
		return
	}
	if err := r.conn.Send(m); err != nil {
		r.log.Warn("failed to send init_failure", "error", err)
	}
}
