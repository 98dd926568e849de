package prefork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// clockBase anchors lastAck so that it is read from the monotonic clock.
var clockBase = time.Now()

// reportFunc delivers a liveness failure to the supervisor loop. It must
// return once ctx is done.
type reportFunc func(ctx context.Context, h *WorkerHandle, err error)

// WorkerHandle is the master's proxy for one worker process: its pid, the
// parent ends of its pipes and the heartbeat state.
type WorkerHandle struct {
	Slot    int
	PID     int
	Started time.Time

	ch      *Channel
	lastAck atomic.Int64
	started atomic.Bool
	log     *slog.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newWorkerHandle(slot, pid int, ch *Channel, log *slog.Logger) *WorkerHandle {
	h := &WorkerHandle{
		Slot:    slot,
		PID:     pid,
		Started: time.Now(),
		ch:      ch,
		log:     log.With(slog.Int("pid", pid), slog.Int("slot", slot)),
	}
	h.touch()
	return h
}

func (h *WorkerHandle) touch() {
	h.lastAck.Store(int64(time.Since(clockBase)))
}

// LastAck is the time of the last PONG, or of the spawn if none arrived yet.
func (h *WorkerHandle) LastAck() time.Time {
	return clockBase.Add(time.Duration(h.lastAck.Load()))
}

// Responsive reports whether a PONG arrived within timeout of now.
func (h *WorkerHandle) Responsive(now time.Time, timeout time.Duration) bool {
	return now.Sub(h.LastAck()) < timeout
}

func (h *WorkerHandle) Running() bool {
	return h.started.Load()
}

// start launches the heartbeat sender and the pipe reader. A zero interval
// runs only the reader.
func (h *WorkerHandle) start(parent context.Context, interval time.Duration, detectHangs bool, report reportFunc) {
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.touch()
	h.started.Store(true)

	h.wg.Add(1)
	go h.chat(ctx, report)
	if interval > 0 {
		h.wg.Add(1)
		go h.heartbeat(ctx, interval, detectHangs, report)
	}
}

// heartbeat pings every interval and gives up on the worker when no PONG
// was seen for two intervals.
func (h *WorkerHandle) heartbeat(ctx context.Context, interval time.Duration, detectHangs bool, report reportFunc) {
	defer h.wg.Done()
	timeout := 2 * interval
	nextPing := time.Now().Add(interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		wake := nextPing
		if deadline := h.LastAck().Add(timeout); deadline.Before(wake) {
			wake = deadline
		}
		timer.Reset(time.Until(wake))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		now := time.Now()
		if !h.Responsive(now, timeout) {
			h.log.Error("Worker process became unresponsive",
				slog.Duration("silence", now.Sub(h.LastAck())))
			heartbeatTimeouts.Inc()
			if detectHangs {
				report(ctx, h, ErrHeartbeatTimeout)
			} else {
				h.log.Warn("Hang detection disabled; worker left running unmonitored")
			}
			return
		}
		if !now.Before(nextPing) {
			if err := h.ch.Ping(); err != nil {
				h.log.Debug("Ping failed", slog.String("err", err.Error()))
			}
			nextPing = now.Add(interval)
		}
	}
}

// chat drains the child->parent pipe.
func (h *WorkerHandle) chat(ctx context.Context, report reportFunc) {
	defer h.wg.Done()
	for {
		f, err := h.ch.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, ErrChannelEOF) {
				err = fmt.Errorf("%w: %v", ErrChannelEOF, err)
			}
			h.log.Warn("Heartbeat channel lost", slog.String("err", err.Error()))
			report(ctx, h, err)
			return
		}
		switch f {
		case FramePong:
			h.touch()
		case FrameClose:
			h.log.Info("Worker closed its heartbeat channel")
			report(ctx, h, ErrChannelEOF)
			return
		default:
			h.log.Warn("Unexpected frame from worker", slog.String("frame", f.String()))
		}
	}
}

// stop cancels both heartbeat tasks and closes the pipes. Safe to call
// more than once.
func (h *WorkerHandle) stop() {
	h.stopOnce.Do(func() {
		h.started.Store(false)
		if h.cancel != nil {
			h.cancel()
		}
		if h.ch != nil {
			_ = h.ch.Close()
		}
		h.wg.Wait()
	})
}
