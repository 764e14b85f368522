// Package protocol implements the message-oriented channel between a session
// and its engine process.
//
// Messages are tagged records (kind, payload, reply_required) encoded as
// MessagePack with a 4-byte big-endian length prefix so both sides can find
// message boundaries in the pipe stream. The channel is lossless and FIFO
// per direction.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/moma/poseflow/internal/skeleton"
)

// Command kinds, session -> engine.
const (
	KindInit     = "init"
	KindSetShm   = "set_shm"
	KindSetSpeed = "set_speed"
	KindPause    = "pause"
	KindResume   = "resume"
	KindSeek     = "seek"
	KindShutdown = "shutdown"
)

// Reply and event kinds, engine -> session.
const (
	KindInitSuccess = "init_success"
	KindInitFailure = "init_failure"
	KindAck         = "ack"
	// KindFrame announces a freshly written shared-memory slot.
	KindFrame = "frame"
)

// maxMessageBytes bounds a single message on the wire. Control messages are
// tiny; the only large one is init_success carrying the skeleton.
const maxMessageBytes = 16 << 20

// Message is one tagged record on the channel.
type Message struct {
	Kind          string             `msgpack:"kind"`
	ReplyRequired bool               `msgpack:"reply_required,omitempty"`
	Payload       msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// New builds a message with the given payload struct, or nil for none.
func New(kind string, payload any, replyRequired bool) (Message, error) {
	m := Message{Kind: kind, ReplyRequired: replyRequired}
	if payload != nil {
		raw, err := msgpack.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Kind)
	}
	if err := msgpack.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// InitPayload carries the motion source binding as an init command. The
// engine in this repository takes the binding from its launch arguments and
// does not handle init commands.
type InitPayload struct {
	SourceRef string `msgpack:"source_ref"`
	Kind      string `msgpack:"kind"`
}

// SetShmPayload binds the engine to the session's shared-memory ring.
type SetShmPayload struct {
	Name  string `msgpack:"name"`
	Slots int    `msgpack:"slots"`
}

// SpeedPayload sets the playback speed multiplier.
type SpeedPayload struct {
	Value float32 `msgpack:"value"`
}

// SeekPayload sets the playback cursor in seconds.
type SeekPayload struct {
	Time float32 `msgpack:"time"`
}

// InitSuccessPayload is the engine's handshake reply after the animator
// initialized.
type InitSuccessPayload struct {
	Skeleton   skeleton.Descriptor `msgpack:"skeleton"`
	FrameBytes uint32              `msgpack:"frame_bytes"`
}

// InitFailurePayload reports an animator initialize failure.
type InitFailurePayload struct {
	Reason string `msgpack:"reason"`
}

// AckPayload acknowledges a command that requested a reply.
type AckPayload struct {
	Kind string `msgpack:"kind"`
}

// FramePayload publishes the index of the slot the engine just wrote.
type FramePayload struct {
	Slot int `msgpack:"slot"`
}

// Conn frames messages over a reader/writer pair. The session side binds one
// to the engine's stdin/stdout pipes; the engine side binds one to its own
// stdin/stdout. Send is safe for concurrent use; Recv has a single caller on
// each side.
type Conn struct {
	r io.Reader
	w io.Writer

	writeMu sync.Mutex
	lenBuf  [4]byte
}

// NewConn wraps a reader/writer pair.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: r, w: w}
}

// Send writes one length-prefixed message.
func (c *Conn) Send(m Message) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	binary.BigEndian.PutUint32(c.lenBuf[:], uint32(len(data)))
	if _, err := c.w.Write(c.lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}
	return nil
}

// Recv reads one length-prefixed message. It returns io.EOF unwrapped when
// the peer closed the channel cleanly between messages.
func (c *Conn) Recv() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("failed to read length prefix: %w", err)
	}

	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen == 0 || msgLen > maxMessageBytes {
		return Message{}, fmt.Errorf("invalid message length %d", msgLen)
	}

	data := make([]byte, msgLen)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return Message{}, fmt.Errorf("failed to read message body: %w", err)
	}

	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return m, nil
}
