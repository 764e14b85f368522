package animator

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/moma/poseflow/internal/skeleton"
)

func TestFKChainSource(t *testing.T) {
	a := NewFK()
	if err := a.Initialize("chain:24"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if got := a.Skeleton().NumBones(); got != 24 {
		t.Errorf("NumBones = %d, want 24", got)
	}
	if got := a.FrameBytes(); got != 24*64 {
		t.Errorf("FrameBytes = %d, want %d", got, 24*64)
	}
	if err := a.Skeleton().Validate(); err != nil {
		t.Errorf("skeleton invalid: %v", err)
	}
	if a.Skeleton().BindPose == nil {
		t.Error("expected a bind pose")
	}
}

func TestFKInvalidSources(t *testing.T) {
	tests := []string{"chain:0", "chain:-3", "chain:abc", "/no/such/rig.yaml"}
	for _, src := range tests {
		a := NewFK()
		if err := a.Initialize(src); err == nil {
			t.Errorf("Initialize(%q) succeeded, want error", src)
		}
	}
}

func TestFKRigFile(t *testing.T) {
	rig := `name: tiny
bones:
  - {name: root, parent: -1}
  - {name: mid, parent: 0}
  - {name: tip, parent: 1}
`
	path := filepath.Join(t.TempDir(), "tiny.yaml")
	if err := os.WriteFile(path, []byte(rig), 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewFK()
	if err := a.Initialize(path); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := a.Skeleton().NumBones(); got != 3 {
		t.Errorf("NumBones = %d, want 3", got)
	}
	if a.Skeleton().Bones[1].Name != "mid" {
		t.Errorf("bone 1 name = %q, want mid", a.Skeleton().Bones[1].Name)
	}
}

func TestFKWriteFrameAdvances(t *testing.T) {
	a := NewFK()
	if err := a.Initialize("chain:4"); err != nil {
		t.Fatal(err)
	}

	region := make([]byte, a.FrameBytes())
	a.WriteFrame(region, 0, 0.1, 1.0)
	first := make([]byte, len(region))
	copy(first, region)

	a.WriteFrame(region, 0, 0.1, 1.0)

	same := true
	for i := range region {
		if region[i] != first[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("pose did not change after advancing the cursor")
	}

	// Every matrix must stay affine: bottom row 0 0 0 1.
	for b := 0; b < 4; b++ {
		m := region[b*skeleton.BytesPerBone:]
		for c := 12; c < 15; c++ {
			if v := f32At(m, c); v != 0 {
				t.Errorf("bone %d cell %d = %v, want 0", b, c, v)
			}
		}
		if v := f32At(m, 15); v != 1 {
			t.Errorf("bone %d cell 15 = %v, want 1", b, v)
		}
	}
}

func TestFKSeekResetsPose(t *testing.T) {
	a := NewFK()
	if err := a.Initialize("chain:4"); err != nil {
		t.Fatal(err)
	}

	region1 := make([]byte, a.FrameBytes())
	region2 := make([]byte, a.FrameBytes())

	a.Seek(1.0)
	a.WriteFrame(region1, 0, 0, 1.0)

	a.WriteFrame(region2, 0, 5.0, 1.0) // wander off
	a.Seek(1.0)
	a.WriteFrame(region2, 0, 0, 1.0)

	for i := range region1 {
		if region1[i] != region2[i] {
			t.Fatal("seek to the same cursor produced a different pose")
		}
	}
}

func TestWriteZeroPose(t *testing.T) {
	region := make([]byte, 3*skeleton.BytesPerBone)
	for i := range region {
		region[i] = 0xFF
	}
	WriteZeroPose(region, 0, len(region))

	for b := 0; b < 3; b++ {
		m := region[b*skeleton.BytesPerBone:]
		for c := 0; c < 16; c++ {
			want := float32(0)
			if c == 0 || c == 5 || c == 10 || c == 15 {
				want = 1
			}
			if v := f32At(m, c); v != want {
				t.Errorf("bone %d cell %d = %v, want %v", b, c, v, want)
			}
		}
	}
}

func TestScriptedClock(t *testing.T) {
	a := &Scripted{NumBones: 2}
	if err := a.Initialize(""); err != nil {
		t.Fatal(err)
	}

	region := make([]byte, a.FrameBytes())
	a.WriteFrame(region, 0, 0.5, 2.0)
	if got := ReadClock(region); got != 1.0 {
		t.Errorf("clock = %v, want 1.0", got)
	}

	a.Seek(10)
	a.WriteFrame(region, 0, 0, 1.0)
	if got := ReadClock(region); got != 10.0 {
		t.Errorf("clock after seek = %v, want 10.0", got)
	}
}

func TestRegistry(t *testing.T) {
	r := Default()
	if !r.Has(KindFK) {
		t.Fatalf("default registry missing %q", KindFK)
	}
	if _, err := r.New("nope"); err == nil {
		t.Error("New(nope) succeeded, want error")
	}
	if kinds := r.Kinds(); len(kinds) == 0 || kinds[0] != KindFK {
		t.Errorf("Kinds() = %v", kinds)
	}
}

func f32At(m []byte, idx int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(m[idx*4:]))
}
