package prefork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ProtocolFactory builds the connection handler for one worker and runs it
// on the shared listener until ctx is cancelled. It is called once per
// worker process.
type ProtocolFactory func(ctx context.Context, ln net.Listener) error

// RunWorker is the worker side: it adopts the descriptors passed by the
// master, serves with factory and answers heartbeats. It returns nil when
// the master asked it to stop and ErrOrphanedWorker when the master is gone.
func RunWorker(ctx context.Context, cfg *Config, factory ProtocolFactory) error {
	slot, err := strconv.Atoi(os.Getenv(envSlot))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envSlot, err)
	}
	log, closer, err := setupLogging(cfg.WorkerLog(slot), "worker")
	if err != nil {
		return err
	}
	defer closer.Close()
	log = log.With(slog.Int("pid", os.Getpid()), slog.Int("slot", slot))

	lnFile := os.NewFile(listenerFD, "listener")
	ln, err := net.FileListener(lnFile)
	if err != nil {
		return fmt.Errorf("inherit listener: %w", err)
	}
	_ = lnFile.Close()
	// Inherited pipes arrive in blocking mode; make them pollable so Close
	// can interrupt a pending read.
	for _, fd := range []int{heartbeatReadFD, heartbeatWriteFD} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return fmt.Errorf("heartbeat fd %d: %w", fd, err)
		}
	}
	ch := NewChannel(
		os.NewFile(heartbeatReadFD, "heartbeat-in"),
		os.NewFile(heartbeatWriteFD, "heartbeat-out"),
	)

	// No drain on interrupt: the process ends right away.
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigC
		log.Info("Signal received, exiting", slog.String("signal", sig.String()))
		os.Exit(0)
	}()

	return runWorker(ctx, cfg.WorkerStopTimeout.Duration, ln, ch, factory, log)
}

func runWorker(ctx context.Context, stopTimeout time.Duration, ln net.Listener, ch *Channel, factory ProtocolFactory, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ch.Close()

	log.Info("Starting worker process", slog.String("addr", ln.Addr().String()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- factory(ctx, ln)
	}()
	hbErr := make(chan error, 1)
	go func() {
		hbErr <- serveHeartbeats(ctx, ch, log)
	}()

	select {
	case err := <-hbErr:
		cancel()
		select {
		case <-serveErr:
		case <-time.After(stopTimeout):
			log.Warn("Protocol handler did not stop in time", slog.Duration("timeout", stopTimeout))
		}
		return err
	case err := <-serveErr:
		cancel()
		if err != nil {
			log.Error("Protocol handler failed", slog.String("err", err.Error()))
			return fmt.Errorf("protocol handler: %w", err)
		}
		log.Info("Protocol handler returned")
		return nil
	}
}

// serveHeartbeats answers PING with PONG until the master sends CLOSE
// (nil) or its pipe reaches end of stream (ErrOrphanedWorker).
func serveHeartbeats(ctx context.Context, ch *Channel, log *slog.Logger) error {
	for {
		f, err := ch.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrChannelEOF) {
				log.Error("Supervisor is dead, stopping")
				return ErrOrphanedWorker
			}
			log.Error("Heartbeat channel failed, stopping", slog.String("err", err.Error()))
			return fmt.Errorf("heartbeat: %w", err)
		}
		switch f {
		case FramePing:
			if err := ch.Pong(); err != nil {
				log.Warn("Pong failed", slog.String("err", err.Error()))
			}
		case FrameClose:
			log.Info("Supervisor asked worker to stop")
			return nil
		default:
			log.Warn("Unexpected frame from supervisor", slog.String("frame", f.String()))
		}
	}
}
