// poseengine is the per-session compute process. The parent session spawns
// it with the motion source and animator kind as arguments, speaks the
// command protocol over stdin/stdout, and shares pose frames through the
// shared-memory ring named in the set_shm command.
//
// Exit codes: 0 clean shutdown, 1 initialize failure, 2 unexpected error,
// 3 parent channel lost.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moma/poseflow/internal/engine"
	"github.com/moma/poseflow/internal/protocol"
)

func main() {
	fps := flag.Int("fps", 60, "Target frame production rate")
	shmWait := flag.Duration("shm-wait", 10*time.Second, "How long to wait for the set_shm command")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// stdout carries the wire protocol; all logging goes to stderr where
	// the parent forwards it.
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: poseengine [flags] <source_ref> <animator_kind>")
		os.Exit(int(engine.ExitError))
	}
	sourceRef := flag.Arg(0)
	kind := flag.Arg(1)

	if *fps <= 0 || *fps > 240 {
		fmt.Fprintf(os.Stderr, "invalid fps %d\n", *fps)
		os.Exit(int(engine.ExitError))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("engine starting",
		"source_ref", sourceRef,
		"kind", kind,
		"fps", *fps,
		"pid", os.Getpid(),
	)

	conn := protocol.NewConn(os.Stdin, os.Stdout)
	code := engine.Run(ctx, conn, engine.Config{
		SourceRef: sourceRef,
		Kind:      kind,
		TargetDt:  time.Second / time.Duration(*fps),
		ShmWait:   *shmWait,
	})

	slog.Info("engine exiting", "exit_code", int(code))
	os.Exit(int(code))
}
