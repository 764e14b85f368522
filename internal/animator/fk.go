package animator

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/moma/poseflow/internal/skeleton"
)

// boneSpacing is the local Y offset between consecutive bones in the demo
// chain, in scene units.
const boneSpacing = 0.15

// rigFile is the on-disk YAML description of a skeleton rig.
// The FK animator loads one of these when the source reference is a file
// path. The actual motion is procedural; the rig only provides the
// hierarchy. The bind pose is always the synthetic vertical chain from
// chainBindPose.
type rigFile struct {
	Name  string `yaml:"name"`
	Bones []struct {
		Name   string `yaml:"name"`
		Parent int    `yaml:"parent"`
	} `yaml:"bones"`
}

// FK is a self-contained forward-kinematics demo animator. It drives a bone
// chain with per-joint sinusoidal rotations as a stand-in for a real motion
// solver. Playback loops: the internal cursor grows without bound and every
// joint angle is periodic in it.
//
// Source reference forms:
//   - "chain:N"  — a synthetic chain of N bones
//   - a path     — a YAML rig file (name, bones with parent indices)
type FK struct {
	skel skeleton.Descriptor
	t    float64

	// per-bone motion parameters, precomputed in Initialize
	phase []float64
	freq  []float64
	amp   []float64
}

// NewFK creates an uninitialized FK animator.
func NewFK() *FK {
	return &FK{}
}

// Initialize loads the rig and precomputes all per-bone state.
func (a *FK) Initialize(sourceRef string) error {
	var bones []skeleton.Bone

	switch {
	case strings.HasPrefix(sourceRef, "chain:"):
		n, err := strconv.Atoi(strings.TrimPrefix(sourceRef, "chain:"))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid chain source %q: bone count must be a positive integer", sourceRef)
		}
		bones = make([]skeleton.Bone, n)
		for i := range bones {
			bones[i] = skeleton.Bone{Name: fmt.Sprintf("bone_%02d", i), Parent: i - 1}
		}

	default:
		data, err := os.ReadFile(sourceRef)
		if err != nil {
			return fmt.Errorf("failed to read rig file: %w", err)
		}
		var rig rigFile
		if err := yaml.Unmarshal(data, &rig); err != nil {
			return fmt.Errorf("failed to parse rig file: %w", err)
		}
		bones = make([]skeleton.Bone, len(rig.Bones))
		for i, b := range rig.Bones {
			bones[i] = skeleton.Bone{Name: b.Name, Parent: b.Parent}
		}
	}

	a.skel = skeleton.Descriptor{Bones: bones, BindPose: chainBindPose(len(bones))}
	if err := a.skel.Validate(); err != nil {
		return fmt.Errorf("invalid rig: %w", err)
	}

	n := len(bones)
	a.phase = make([]float64, n)
	a.freq = make([]float64, n)
	a.amp = make([]float64, n)
	for i := 0; i < n; i++ {
		a.phase[i] = float64(i) * 0.35
		a.freq[i] = 1.0 + 0.05*float64(i%7)
		a.amp[i] = 0.4
	}
	a.t = 0

	return nil
}

// Skeleton returns the skeleton descriptor.
func (a *FK) Skeleton() skeleton.Descriptor {
	return a.skel
}

// FrameBytes returns one 4x4 float32 matrix per bone.
func (a *FK) FrameBytes() int {
	return a.skel.FrameBytes()
}

// WriteFrame writes the pose at the advanced cursor into region[offset:].
// Each bone gets a row-major rotation about Z plus a local Y translation,
// little-endian float32.
func (a *FK) WriteFrame(region []byte, offset int, dt, speed float64) {
	a.t += dt * speed

	buf := region[offset : offset+a.FrameBytes()]
	for i := range a.skel.Bones {
		angle := a.amp[i] * math.Sin(a.t*a.freq[i]+a.phase[i])
		sin, cos := math.Sincos(angle)

		ty := float32(0)
		if i > 0 {
			ty = boneSpacing
		}

		m := buf[i*skeleton.BytesPerBone:]
		putF32(m, 0, float32(cos))
		putF32(m, 1, float32(-sin))
		putF32(m, 2, 0)
		putF32(m, 3, 0)
		putF32(m, 4, float32(sin))
		putF32(m, 5, float32(cos))
		putF32(m, 6, 0)
		putF32(m, 7, ty)
		putF32(m, 8, 0)
		putF32(m, 9, 0)
		putF32(m, 10, 1)
		putF32(m, 11, 0)
		putF32(m, 12, 0)
		putF32(m, 13, 0)
		putF32(m, 14, 0)
		putF32(m, 15, 1)
	}
}

// Seek sets the playback cursor.
func (a *FK) Seek(seconds float64) {
	a.t = seconds
}

// putF32 writes the idx-th float32 cell of a matrix, little-endian.
func putF32(m []byte, idx int, v float32) {
	binary.LittleEndian.PutUint32(m[idx*4:], math.Float32bits(v))
}

// chainBindPose builds the rest pose for a vertical chain: identity
// rotations, unit scales, bones stacked along Y.
func chainBindPose(n int) *skeleton.BindPose {
	bp := &skeleton.BindPose{
		Positions: make([][3]float32, n),
		Rotations: make([][4]float32, n),
		Scales:    make([][3]float32, n),
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			bp.Positions[i] = [3]float32{0, boneSpacing, 0}
		}
		bp.Rotations[i] = [4]float32{0, 0, 0, 1}
		bp.Scales[i] = [3]float32{1, 1, 1}
	}
	return bp
}
