package prefork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const drainPoll = 100 * time.Millisecond

type eventKind int

const (
	evWorkerLost eventKind = iota
	evRespawn
	evReload
	evCall
)

type event struct {
	kind   eventKind
	handle *WorkerHandle
	err    error
	slot   int
	reason string
	fn     func()
}

// exit is one reaped child.
type exit struct {
	PID    int
	Status int
}

// WorkerStatus is a point-in-time view of one pool slot.
type WorkerStatus struct {
	Slot     int       `json:"slot"`
	PID      int       `json:"pid"`
	Started  time.Time `json:"started"`
	LastAck  time.Time `json:"lastAck"`
	Restarts int       `json:"restarts"`
}

// Supervisor is the master process: it owns the listening socket and the
// worker pool. All pool state is touched only from the Run loop.
type Supervisor struct {
	cfg       *Config
	log       *slog.Logger
	startTime time.Time

	ln     net.Listener
	lnFile *os.File

	slots       []*WorkerHandle
	byPID       map[int]*WorkerHandle
	retired     map[int]struct{}
	pending     map[int]*time.Timer
	policies    []*restartPolicy
	restarts    []int
	terminating bool
	drainBy     time.Time
	forced      bool

	events  chan event
	sigC    chan os.Signal
	stopped chan struct{}
	hctx    context.Context

	// launch, kill and wait are the process-level operations; tests swap
	// them for in-memory fakes.
	launch func(slot int) (*WorkerHandle, error)
	kill   func(pid int, sig syscall.Signal) error
	wait   func() ([]exit, error)
}

func New(cfg *Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = discardLogger()
	}
	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		startTime: time.Now(),
		slots:     make([]*WorkerHandle, cfg.Workers),
		byPID:     make(map[int]*WorkerHandle),
		retired:   make(map[int]struct{}),
		pending:   make(map[int]*time.Timer),
		policies:  make([]*restartPolicy, cfg.Workers),
		restarts:  make([]int, cfg.Workers),
		events:    make(chan event, 64),
		sigC:      make(chan os.Signal, 16),
		stopped:   make(chan struct{}),
		kill:      syscall.Kill,
		wait:      waitExited,
	}
	for i := range s.policies {
		s.policies[i] = newRestartPolicy(cfg)
	}
	s.launch = s.forkWorker
	return s
}

// Addr is the bound address; nil before Run has opened the socket.
func (s *Supervisor) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run binds the socket, spawns the pool and supervises it until a shutdown
// completes (nil) or a fatal condition occurs (BindError, ErrUnknownPID).
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.stopped)
	if err := s.listen(); err != nil {
		s.log.Error("Failed to open listening socket", slog.String("err", err.Error()))
		return err
	}

	hctx, hcancel := context.WithCancel(context.Background())
	defer hcancel()
	s.hctx = hctx

	signal.Notify(s.sigC, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD, syscall.SIGHUP)
	defer signal.Stop(s.sigC)

	s.log.Info("Starting workers", slog.Int("workers", s.cfg.Workers), slog.String("addr", s.ln.Addr().String()))
	for slot := range s.slots {
		s.spawn(slot)
	}
	if s.cfg.MetricsAddr != "" {
		go s.serveMetrics(hctx)
	}
	if s.cfg.WatchEnv && len(s.cfg.EnvPaths) > 0 {
		if err := s.watchEnv(hctx); err != nil {
			s.log.Error("Env watcher disabled", slog.String("err", err.Error()))
		}
	}

	ctxDone := ctx.Done()
	drain := time.NewTicker(drainPoll)
	drain.Stop()
	defer drain.Stop()
	var drainC <-chan time.Time
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.shutdown("context cancelled")
		case sig := <-s.sigC:
			switch sig {
			case syscall.SIGCHLD:
				if err := s.reap(); err != nil {
					s.abort()
					return err
				}
			case syscall.SIGHUP:
				s.log.Info("SIGHUP received, reloading workers")
				s.reload("sighup")
			default:
				s.shutdown(sig.String())
			}
		case ev := <-s.events:
			s.dispatch(ev)
		case <-drainC:
			s.log.Debug("Waiting for children", slog.Int("remaining", s.poolSize()))
			if !s.forced && time.Now().After(s.drainBy) {
				s.forced = true
				s.log.Warn("Workers did not exit in time; sending SIGKILL", slog.Int("remaining", s.poolSize()))
				s.signalAll(syscall.SIGKILL)
			}
		}
		if s.terminating {
			if s.poolSize() == 0 {
				s.release()
				s.log.Info("All workers stopped; supervisor exiting")
				return nil
			}
			if drainC == nil {
				drain.Reset(drainPoll)
				drainC = drain.C
			}
		}
	}
}

func (s *Supervisor) listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return &BindError{Addr: s.cfg.Addr(), Err: err}
	}
	f, err := ln.(*net.TCPListener).File()
	if err != nil {
		_ = ln.Close()
		return &BindError{Addr: s.cfg.Addr(), Err: err}
	}
	// The socket's file description is shared with every worker. Fd flips
	// it to blocking mode, once; undo that before any worker inherits it.
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		_ = f.Close()
		_ = ln.Close()
		return &BindError{Addr: s.cfg.Addr(), Err: err}
	}
	s.ln, s.lnFile = ln, f
	return nil
}

// release closes the shared socket. Only called once the pool is empty.
func (s *Supervisor) release() {
	if s.lnFile != nil {
		_ = s.lnFile.Close()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

// abort tears down after a fatal bookkeeping error. Closing the pipes
// leaves every remaining worker orphaned, which makes it exit on its own.
func (s *Supervisor) abort() {
	s.terminating = true
	for _, t := range s.pending {
		t.Stop()
	}
	for _, h := range s.live() {
		h.stop()
	}
	s.release()
}

// spawn fills an empty slot. Failures are retried after a backoff.
func (s *Supervisor) spawn(slot int) {
	if s.terminating || s.slots[slot] != nil {
		return
	}
	h, err := s.launch(slot)
	if err != nil {
		spawnFailures.Inc()
		s.log.Error("Failed to spawn worker", slog.Int("slot", slot), slog.String("err", err.Error()))
		delay := s.policies[slot].record(time.Now())
		if delay < s.cfg.RestartBackoff.Duration {
			delay = s.cfg.RestartBackoff.Duration
		}
		s.schedule(slot, delay)
		return
	}
	s.slots[slot] = h
	s.byPID[h.PID] = h
	h.start(s.hctx, s.cfg.Heartbeat.Duration, s.cfg.DetectHangs, s.report)
	workersGauge.Set(float64(s.poolSize()))
	s.log.Info("Spawned worker", slog.Int("slot", slot), slog.Int("pid", h.PID))
}

// respawn replaces a crashed worker, immediately unless the slot is crash
// looping.
func (s *Supervisor) respawn(slot int) {
	s.restarts[slot]++
	delay := s.policies[slot].record(time.Now())
	if delay == 0 {
		s.spawn(slot)
		return
	}
	s.log.Warn("Worker slot is crash looping; backing off before restart",
		slog.Int("slot", slot), slog.Duration("duration", delay), slog.Int("crashes", s.policies[slot].count()))
	s.schedule(slot, delay)
}

func (s *Supervisor) schedule(slot int, delay time.Duration) {
	if _, ok := s.pending[slot]; ok {
		return
	}
	s.pending[slot] = time.AfterFunc(delay, func() {
		s.post(s.hctx, event{kind: evRespawn, slot: slot})
	})
}

// remove drops h from the pool. Removing a handle that is already gone is
// a no-op.
func (s *Supervisor) remove(h *WorkerHandle) bool {
	if s.byPID[h.PID] != h {
		return false
	}
	delete(s.byPID, h.PID)
	if s.slots[h.Slot] == h {
		s.slots[h.Slot] = nil
	}
	h.stop()
	workersGauge.Set(float64(s.poolSize()))
	return true
}

// retire removes h and signals its process. Its pid is remembered so the
// later reap is not mistaken for an unknown child.
func (s *Supervisor) retire(h *WorkerHandle, sig syscall.Signal) bool {
	if !s.remove(h) {
		return false
	}
	s.retired[h.PID] = struct{}{}
	if err := s.kill(h.PID, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.log.Warn("Failed to signal worker", slog.Int("pid", h.PID), slog.String("err", err.Error()))
	}
	return true
}

func (s *Supervisor) reap() error {
	exits, err := s.wait()
	if err != nil {
		s.log.Warn("wait4 error", slog.String("err", err.Error()))
	}
	for _, e := range exits {
		if err := s.reaped(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) reaped(e exit) error {
	if _, ok := s.retired[e.PID]; ok {
		delete(s.retired, e.PID)
		s.log.Debug("Reaped replaced worker", slog.Int("pid", e.PID), slog.Int("status", e.Status))
		return nil
	}
	h, ok := s.byPID[e.PID]
	if !ok {
		s.log.Error("Unregistered worker found, exiting", slog.Int("pid", e.PID))
		return fmt.Errorf("%w: %d", ErrUnknownPID, e.PID)
	}
	s.log.Info("Child process exited", slog.Int("pid", e.PID), slog.Int("status", e.Status))
	s.remove(h)
	if s.terminating {
		s.log.Debug("Removed worker", slog.Int("pid", e.PID), slog.Int("remaining", s.poolSize()))
		return nil
	}
	crashCounter.Inc()
	restartCounter.WithLabelValues("exit").Inc()
	s.log.Warn("Restarting worker", slog.Int("slot", h.Slot), slog.Int("pid", e.PID))
	s.respawn(h.Slot)
	return nil
}

// lost handles a heartbeat timeout or a broken channel: kill and replace.
// A broken channel without a timeout counts as a crash.
func (s *Supervisor) lost(h *WorkerHandle, err error) {
	if s.terminating || s.byPID[h.PID] != h {
		return
	}
	reason := "exit"
	if errors.Is(err, ErrHeartbeatTimeout) {
		reason = "heartbeat_timeout"
		s.log.Info("Restarting unresponsive worker process", slog.Int("pid", h.PID), slog.String("reason", reason))
	} else {
		// A dying worker closes its pipe before SIGCHLD reaches the loop.
		crashCounter.Inc()
		s.log.Warn("Worker process exited, restarting", slog.Int("slot", h.Slot), slog.Int("pid", h.PID),
			slog.String("err", err.Error()))
	}
	s.retire(h, syscall.SIGKILL)
	restartCounter.WithLabelValues(reason).Inc()
	s.respawn(h.Slot)
}

func (s *Supervisor) reload(reason string) {
	if s.terminating {
		return
	}
	for _, h := range s.live() {
		s.retire(h, syscall.SIGTERM)
		restartCounter.WithLabelValues("reload").Inc()
		s.log.Info("Reloading worker", slog.Int("slot", h.Slot), slog.Int("pid", h.PID), slog.String("reason", reason))
		s.spawn(h.Slot)
	}
}

// shutdown starts the drain: every worker is told to stop and the loop
// waits for each of them to be reaped.
func (s *Supervisor) shutdown(reason string) {
	if s.terminating {
		return
	}
	s.terminating = true
	s.drainBy = time.Now().Add(s.cfg.ShutdownTimeout.Duration)
	s.log.Info("Stopping workers", slog.String("reason", reason), slog.Int("workers", s.poolSize()))
	for slot, t := range s.pending {
		t.Stop()
		delete(s.pending, slot)
	}
	for _, h := range s.live() {
		_ = h.ch.SendClose()
		h.stop()
	}
	s.signalAll(syscall.SIGTERM)
}

func (s *Supervisor) signalAll(sig syscall.Signal) {
	for _, h := range s.live() {
		s.log.Debug("Signalling worker", slog.Int("pid", h.PID), slog.String("signal", sig.String()))
		if err := s.kill(h.PID, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			s.log.Warn("Failed to signal worker", slog.Int("pid", h.PID), slog.String("err", err.Error()))
		}
	}
}

func (s *Supervisor) dispatch(ev event) {
	switch ev.kind {
	case evWorkerLost:
		s.lost(ev.handle, ev.err)
	case evRespawn:
		delete(s.pending, ev.slot)
		s.spawn(ev.slot)
	case evReload:
		s.reload(ev.reason)
	case evCall:
		ev.fn()
	}
}

func (s *Supervisor) report(ctx context.Context, h *WorkerHandle, err error) {
	s.post(ctx, event{kind: evWorkerLost, handle: h, err: err})
}

// post hands ev to the loop. It gives up when ctx is done or the loop has
// exited.
func (s *Supervisor) post(ctx context.Context, ev event) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
	case <-s.stopped:
	}
	return false
}

func (s *Supervisor) live() []*WorkerHandle {
	out := make([]*WorkerHandle, 0, len(s.byPID))
	for _, h := range s.byPID {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (s *Supervisor) poolSize() int {
	return len(s.byPID)
}

// Reload recycles every worker. It returns false once the supervisor has
// stopped.
func (s *Supervisor) Reload(reason string) bool {
	return s.post(context.Background(), event{kind: evReload, reason: reason})
}

// Snapshot returns the live pool ordered by slot, or nil once the
// supervisor has stopped.
func (s *Supervisor) Snapshot() []WorkerStatus {
	workers, _, _ := s.snapshot()
	return workers
}

func (s *Supervisor) snapshot() ([]WorkerStatus, bool, bool) {
	type result struct {
		workers     []WorkerStatus
		terminating bool
	}
	reply := make(chan result, 1)
	ok := s.post(context.Background(), event{kind: evCall, fn: func() {
		var r result
		r.terminating = s.terminating
		for _, h := range s.live() {
			r.workers = append(r.workers, WorkerStatus{
				Slot:     h.Slot,
				PID:      h.PID,
				Started:  h.Started,
				LastAck:  h.LastAck(),
				Restarts: s.restarts[h.Slot],
			})
		}
		reply <- r
	}})
	if !ok {
		return nil, false, false
	}
	select {
	case r := <-reply:
		return r.workers, r.terminating, true
	case <-s.stopped:
		return nil, false, false
	}
}
