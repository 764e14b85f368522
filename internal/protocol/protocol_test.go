package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/moma/poseflow/internal/skeleton"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)

	m, err := New(KindSetSpeed, SpeedPayload{Value: 2.5}, true)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := conn.Send(m); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got.Kind != KindSetSpeed {
		t.Errorf("Kind = %q, want %q", got.Kind, KindSetSpeed)
	}
	if !got.ReplyRequired {
		t.Error("ReplyRequired lost in transit")
	}

	var p SpeedPayload
	if err := got.Decode(&p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.Value != 2.5 {
		t.Errorf("Value = %v, want 2.5", p.Value)
	}
}

func TestFIFOOrder(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)

	kinds := []string{KindPause, KindResume, KindShutdown}
	for _, k := range kinds {
		m, err := New(k, nil, false)
		if err != nil {
			t.Fatal(err)
		}
		if err := conn.Send(m); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range kinds {
		got, err := conn.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if got.Kind != want {
			t.Errorf("Kind = %q, want %q", got.Kind, want)
		}
	}
}

func TestInitSuccessCarriesSkeleton(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)

	desc := skeleton.Descriptor{
		Bones: []skeleton.Bone{
			{Name: "root", Parent: -1},
			{Name: "child", Parent: 0},
		},
	}
	m, err := New(KindInitSuccess, InitSuccessPayload{Skeleton: desc, FrameBytes: 128}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(m); err != nil {
		t.Fatal(err)
	}

	got, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	var p InitSuccessPayload
	if err := got.Decode(&p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.FrameBytes != 128 {
		t.Errorf("FrameBytes = %d, want 128", p.FrameBytes)
	}
	if len(p.Skeleton.Bones) != 2 || p.Skeleton.Bones[1].Parent != 0 {
		t.Errorf("skeleton mangled: %+v", p.Skeleton)
	}
}

func TestRecvEOF(t *testing.T) {
	conn := NewConn(bytes.NewReader(nil), io.Discard)
	if _, err := conn.Recv(); err != io.EOF {
		t.Errorf("Recv on empty stream = %v, want io.EOF", err)
	}
}

func TestRecvRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 1<<30)
	buf.Write(lenBuf[:])

	conn := NewConn(&buf, io.Discard)
	if _, err := conn.Recv(); err == nil {
		t.Error("Recv accepted an oversize length prefix")
	}
}

func TestDecodeWithoutPayload(t *testing.T) {
	m, err := New(KindPause, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	var p SpeedPayload
	if err := m.Decode(&p); err == nil {
		t.Error("Decode on empty payload succeeded, want error")
	}
}
