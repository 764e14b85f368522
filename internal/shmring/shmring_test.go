package shmring

import (
	"fmt"
	"os"
	"testing"
)

// testName builds a per-process unique object name so parallel test runs do
// not collide under /dev/shm.
func testName(suffix string) string {
	return fmt.Sprintf("poseflow-test-%d-%s", os.Getpid(), suffix)
}

func TestCreateAttachRoundTrip(t *testing.T) {
	name := testName("roundtrip")

	writer, err := Create(name, 3, 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		writer.Close()
		writer.Unlink()
	}()

	reader, err := Attach(name, 3, 64)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer reader.Close()

	// A write through one mapping is visible through the other.
	slot := writer.Slot(2)
	for i := range slot {
		slot[i] = byte(i)
	}

	view := reader.Slot(2)
	for i := range view {
		if view[i] != byte(i) {
			t.Fatalf("slot byte %d = %d, want %d", i, view[i], byte(i))
		}
	}

	if got := writer.Size(); got != 3*64 {
		t.Errorf("Size = %d, want %d", got, 3*64)
	}
	if got := writer.Offset(2); got != 128 {
		t.Errorf("Offset(2) = %d, want 128", got)
	}
}

func TestCreateExclusive(t *testing.T) {
	name := testName("exclusive")

	r, err := Create(name, 2, 32)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		r.Close()
		r.Unlink()
	}()

	if _, err := Create(name, 2, 32); err == nil {
		t.Error("second Create with the same name succeeded, want error")
	}
}

func TestUnlinkRemovesName(t *testing.T) {
	name := testName("unlink")

	r, err := Create(name, 2, 32)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !Exists(name) {
		t.Fatal("Exists = false right after Create")
	}

	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := r.Unlink(); err != nil {
		t.Errorf("Unlink failed: %v", err)
	}
	if Exists(name) {
		t.Error("name still present after Unlink")
	}

	// Unlinking an already removed name is not an error.
	if err := r.Unlink(); err != nil {
		t.Errorf("second Unlink failed: %v", err)
	}

	if _, err := Attach(name, 2, 32); err == nil {
		t.Error("Attach succeeded after Unlink, want error")
	}
}

func TestCloseIdempotent(t *testing.T) {
	name := testName("close")

	r, err := Create(name, 2, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Unlink()

	if err := r.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestRejectsBadParameters(t *testing.T) {
	if _, err := Create("bad/name", 3, 64); err == nil {
		t.Error("Create accepted a name with a path separator")
	}
	if _, err := Create(testName("oneslot"), 1, 64); err == nil {
		t.Error("Create accepted a single-slot ring")
	}
	if _, err := Create(testName("zeroframe"), 3, 0); err == nil {
		t.Error("Create accepted a zero frame size")
	}
	if err := ValidateName("has space"); err == nil {
		t.Error("ValidateName accepted a space")
	}
}
