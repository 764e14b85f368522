package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poseflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "instance_id: test-node\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q, want :8000", cfg.ListenAddr)
	}
	if cfg.Engine.FPS != 60 {
		t.Errorf("Engine.FPS = %d, want 60", cfg.Engine.FPS)
	}
	if cfg.Engine.Slots != 3 {
		t.Errorf("Engine.Slots = %d, want 3", cfg.Engine.Slots)
	}
	if cfg.Engine.InitTimeoutS != 10 {
		t.Errorf("Engine.InitTimeoutS = %d, want 10", cfg.Engine.InitTimeoutS)
	}
	if cfg.Engine.CloseGraceS != 2 {
		t.Errorf("Engine.CloseGraceS = %d, want 2", cfg.Engine.CloseGraceS)
	}
	if got := cfg.Engine.TargetDt(); got != time.Second/60 {
		t.Errorf("TargetDt = %v, want %v", got, time.Second/60)
	}
	if got := cfg.ShutdownTimeout(); got != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", got)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
instance_id: prod-3
listen_addr: ":9100"
animation_dir: "/srv/motions"
engine:
  binary: "/usr/local/bin/poseengine"
  fps: 30
  slots: 4
mqtt:
  broker: "localhost:1883"
  qos: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.FPS != 30 || cfg.Engine.Slots != 4 {
		t.Errorf("engine config = %+v", cfg.Engine)
	}
	if cfg.MQTT.TopicPrefix != "poseflow/prod-3" {
		t.Errorf("TopicPrefix = %q, want poseflow/prod-3", cfg.MQTT.TopicPrefix)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing instance id", "listen_addr: \":8000\"\n"},
		{"bad instance id", "instance_id: \"Has Space\"\n"},
		{"one slot", "instance_id: a\nengine:\n  slots: 1\n"},
		{"absurd fps", "instance_id: a\nengine:\n  fps: 1000\n"},
		{"bad qos", "instance_id: a\nmqtt:\n  broker: \"x:1883\"\n  qos: 7\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/no/such/config.yaml"); err == nil {
		t.Error("Load succeeded on a missing file")
	}
}
