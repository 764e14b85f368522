package animator

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/moma/poseflow/internal/skeleton"
)

// Scripted is a deterministic animator used by engine and session tests.
// It writes the accumulated playback time into matrix cell [0][0] of bone 0
// so a reader can observe exactly how far the cursor advanced, and fills the
// rest of the frame with the zero pose.
//
// Configure the fields before Initialize; the zero value yields a 24-bone
// skeleton.
type Scripted struct {
	// NumBones is the skeleton size. Defaults to 24 when zero.
	NumBones int
	// FailInit, when set, is returned from Initialize.
	FailInit error
	// InitDelay makes Initialize sleep before returning, for handshake
	// timeout tests.
	InitDelay time.Duration
	// PanicAfter makes WriteFrame panic once the given number of frames
	// have been written, for zero-pose fallback tests. Zero disables it.
	PanicAfter int

	t      float64
	frames int
	skel   skeleton.Descriptor
}

// Initialize builds the synthetic skeleton.
func (a *Scripted) Initialize(sourceRef string) error {
	if a.InitDelay > 0 {
		time.Sleep(a.InitDelay)
	}
	if a.FailInit != nil {
		return a.FailInit
	}

	n := a.NumBones
	if n <= 0 {
		n = 24
	}
	bones := make([]skeleton.Bone, n)
	for i := range bones {
		bones[i] = skeleton.Bone{Name: fmt.Sprintf("test_%02d", i), Parent: i - 1}
	}
	a.skel = skeleton.Descriptor{Bones: bones}
	a.t = 0
	a.frames = 0
	return nil
}

// Skeleton returns the synthetic skeleton.
func (a *Scripted) Skeleton() skeleton.Descriptor {
	return a.skel
}

// FrameBytes returns one matrix per bone.
func (a *Scripted) FrameBytes() int {
	return a.skel.FrameBytes()
}

// WriteFrame advances the cursor and stamps it into cell [0][0].
func (a *Scripted) WriteFrame(region []byte, offset int, dt, speed float64) {
	a.frames++
	if a.PanicAfter > 0 && a.frames > a.PanicAfter {
		panic("scripted animator: frame budget exceeded")
	}

	a.t += dt * speed
	WriteZeroPose(region, offset, a.FrameBytes())
	binary.LittleEndian.PutUint32(region[offset:], math.Float32bits(float32(a.t)))
}

// Seek sets the playback cursor.
func (a *Scripted) Seek(seconds float64) {
	a.t = seconds
}

// ReadClock decodes the playback cursor a Scripted animator stamped into a
// frame previously produced by WriteFrame.
func ReadClock(frame []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(frame))
}
