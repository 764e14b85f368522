// poseflowd is the animation streaming server: it owns the session control
// plane and the HTTP/WebSocket surface, and spawns one poseengine process
// per session.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/moma/poseflow/internal/animator"
	"github.com/moma/poseflow/internal/api"
	"github.com/moma/poseflow/internal/config"
	"github.com/moma/poseflow/internal/session"
	"github.com/moma/poseflow/internal/telemetry"
)

const defaultConfigPath = "config/poseflow.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	var handler slog.Handler
	if *debug {
		logLevel = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting poseflow server",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"listen_addr", cfg.ListenAddr,
		"engine_binary", cfg.Engine.Binary,
		"engine_fps", cfg.Engine.FPS,
	)

	emitter := telemetry.NewEmitter(cfg.InstanceID, cfg.MQTT)
	if emitter != nil {
		if err := emitter.Connect(context.Background()); err != nil {
			// Telemetry is optional; the stream pipeline runs without it.
			slog.Warn("mqtt connect failed, continuing without telemetry", "error", err)
		}
	}

	mgr := session.NewManager(session.ManagerConfig{
		Launcher: &session.ExecLauncher{
			Binary:    resolveEngineBinary(cfg.Engine.Binary),
			TargetFPS: cfg.Engine.FPS,
			Debug:     *debug,
		},
		Kinds: animator.Default().Kinds(),
		Options: session.Options{
			Slots:       cfg.Engine.Slots,
			TargetDt:    cfg.Engine.TargetDt(),
			InitTimeout: cfg.Engine.InitTimeout(),
			CloseGrace:  cfg.Engine.CloseGrace(),
			Events:      eventSink(emitter),
		},
	})

	server := api.NewServer(cfg, mgr)
	if err := server.Start(); err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown failed", "error", err)
	}
	mgr.CloseAll()
	if emitter != nil {
		emitter.Disconnect()
	}

	slog.Info("poseflow server stopped")
}

// eventSink keeps the nil emitter out of the session package: a nil
// *Emitter inside a non-nil interface would defeat its nil checks there.
func eventSink(e *telemetry.Emitter) session.EventSink {
	if e == nil {
		return nil
	}
	return e
}

// resolveEngineBinary makes a bare binary name relative to the server
// executable, so a deployed directory works without PATH setup.
func resolveEngineBinary(binary string) string {
	if filepath.IsAbs(binary) || filepath.Dir(binary) != "." {
		return binary
	}
	self, err := os.Executable()
	if err != nil {
		return binary
	}
	candidate := filepath.Join(filepath.Dir(self), binary)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return binary
}
