package prefork

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc is an in-memory worker: it answers pings on the child ends of a
// real pipe pair and dies when signalled.
type fakeProc struct {
	pid   int
	slot  int
	child *Channel
	hang  atomic.Bool
	stuck bool
	dead  bool
}

type sent struct {
	pid int
	sig syscall.Signal
}

// fakeOS stands in for fork, kill and wait4.
type fakeOS struct {
	mu       sync.Mutex
	s        *Supervisor
	nextPID  int
	procs    map[int]*fakeProc
	exited   []exit
	signals  []sent
	launches int
	failNext int
	stuck    bool
}

func newFakeOS(s *Supervisor) *fakeOS {
	f := &fakeOS{s: s, nextPID: 1000, procs: make(map[int]*fakeProc)}
	s.launch = f.launch
	s.kill = f.kill
	s.wait = f.wait
	return f
}

func (f *fakeOS) launch(slot int) (*WorkerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.failNext > 0 {
		f.failNext--
		return nil, &SpawnError{Slot: slot, Err: errors.New("fork: resource temporarily unavailable")}
	}
	upR, upW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	downR, downW, err := os.Pipe()
	if err != nil {
		_ = upR.Close()
		_ = upW.Close()
		return nil, err
	}
	f.nextPID++
	p := &fakeProc{pid: f.nextPID, slot: slot, child: NewChannel(upR, downW), stuck: f.stuck}
	f.procs[p.pid] = p
	go f.serve(p)
	return newWorkerHandle(slot, p.pid, NewChannel(downR, upW), discardLogger()), nil
}

// serve mimics serveHeartbeats; a stuck process ignores CLOSE and EOF.
func (f *fakeOS) serve(p *fakeProc) {
	for {
		fr, err := p.child.Recv()
		if err != nil {
			if !p.stuck {
				f.die(p.pid, 0)
			}
			return
		}
		switch fr {
		case FramePing:
			if !p.hang.Load() {
				_ = p.child.Pong()
			}
		case FrameClose:
			if !p.stuck {
				f.die(p.pid, 0)
				return
			}
		}
	}
}

func (f *fakeOS) kill(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	f.signals = append(f.signals, sent{pid: pid, sig: sig})
	p, ok := f.procs[pid]
	f.mu.Unlock()
	if !ok {
		return syscall.ESRCH
	}
	switch {
	case sig == syscall.SIGKILL:
		f.die(pid, 128+int(sig))
	case sig == syscall.SIGTERM && !p.stuck:
		f.die(pid, 128+int(sig))
	}
	return nil
}

// die marks pid as exited and raises SIGCHLD at the supervisor.
func (f *fakeOS) die(pid, status int) {
	f.mu.Lock()
	p, ok := f.procs[pid]
	if !ok || p.dead {
		f.mu.Unlock()
		return
	}
	p.dead = true
	_ = p.child.Close()
	f.exited = append(f.exited, exit{PID: pid, Status: status})
	f.mu.Unlock()
	f.sigchld()
}

func (f *fakeOS) sigchld() {
	select {
	case f.s.sigC <- syscall.SIGCHLD:
	default:
	}
}

func (f *fakeOS) wait() ([]exit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.exited
	f.exited = nil
	return out, nil
}

func (f *fakeOS) proc(pid int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[pid]
}

func (f *fakeOS) signalled(pid int, sig syscall.Signal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.signals {
		if s.pid == pid && s.sig == sig {
			return true
		}
	}
	return false
}

func (f *fakeOS) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

func (f *fakeOS) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		_ = p.child.Close()
	}
}

func testConfig() *Config {
	cfg := Default()
	cfg.Port = 0
	cfg.Workers = 2
	cfg.Heartbeat = Duration{50 * time.Millisecond}
	cfg.ShutdownTimeout = Duration{5 * time.Second}
	cfg.RestartBackoff = Duration{10 * time.Millisecond}
	cfg.MaxBackoff = Duration{100 * time.Millisecond}
	return cfg
}

type harness struct {
	s      *Supervisor
	f      *fakeOS
	cancel context.CancelFunc
	errC   chan error
}

// startSupervisor runs a supervisor on fake processes and waits until the
// whole pool is up.
func startSupervisor(t *testing.T, cfg *Config, prep ...func(*fakeOS)) *harness {
	t.Helper()
	s := New(cfg, nil)
	f := newFakeOS(s)
	for _, p := range prep {
		p(f)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{s: s, f: f, cancel: cancel, errC: make(chan error, 1)}
	go func() { h.errC <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.stopped:
		case <-time.After(5 * time.Second):
		}
		f.closeAll()
	})
	require.Eventually(t, func() bool {
		return len(s.Snapshot()) == cfg.Workers
	}, 2*time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) pid(slot int) int {
	for _, w := range h.s.Snapshot() {
		if w.Slot == slot {
			return w.PID
		}
	}
	return 0
}

func (h *harness) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-h.errC:
		return err
	case <-time.After(timeout):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func TestSupervisor_BindError(t *testing.T) {
	busy := listenLocal(t)
	cfg := testConfig()
	cfg.Port = busy.Addr().(*net.TCPAddr).Port

	s := New(cfg, nil)
	f := newFakeOS(s)
	err := s.Run(context.Background())

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, cfg.Addr(), bindErr.Addr)
	assert.Zero(t, f.launchCount())
}

func TestSupervisor_PoolAndHeartbeats(t *testing.T) {
	cfg := testConfig()
	h := startSupervisor(t, cfg)

	conn, err := net.Dial("tcp", h.s.Addr().String())
	require.NoError(t, err)
	_ = conn.Close()

	// Every worker keeps acknowledging pings.
	require.Eventually(t, func() bool {
		for _, w := range h.s.Snapshot() {
			if !w.LastAck.After(w.Started.Add(cfg.Heartbeat.Duration / 2)) {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	ws := h.s.Snapshot()
	require.Len(t, ws, 2)
	assert.Equal(t, 0, ws[0].Slot)
	assert.Equal(t, 1, ws[1].Slot)
	assert.NotEqual(t, ws[0].PID, ws[1].PID)
}

func TestSupervisor_ReplacesCrashedWorker(t *testing.T) {
	h := startSupervisor(t, testConfig())
	old := h.pid(0)
	other := h.pid(1)

	h.f.die(old, 1)

	require.Eventually(t, func() bool {
		pid := h.pid(0)
		return pid != 0 && pid != old
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, other, h.pid(1))
	ws := h.s.Snapshot()
	require.Len(t, ws, 2)
	assert.Equal(t, 1, ws[0].Restarts)
	assert.Equal(t, 0, ws[1].Restarts)
}

func TestSupervisor_PoolSurvivesRepeatedCrashes(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 3
	h := startSupervisor(t, cfg)

	for i := 0; i < 4; i++ {
		for slot := 0; slot < cfg.Workers; slot++ {
			pid := h.pid(slot)
			require.NotZero(t, pid)
			h.f.die(pid, 1)
			require.Eventually(t, func() bool {
				p := h.pid(slot)
				return p != 0 && p != pid
			}, 2*time.Second, 5*time.Millisecond)
		}
	}
	assert.Len(t, h.s.Snapshot(), cfg.Workers)
}

func TestSupervisor_CountsCrashOnce(t *testing.T) {
	h := startSupervisor(t, testConfig())
	crashes := testutil.ToFloat64(crashCounter)
	exits := testutil.ToFloat64(restartCounter.WithLabelValues("exit"))
	timeouts := testutil.ToFloat64(restartCounter.WithLabelValues("heartbeat_timeout"))

	old := h.pid(0)
	h.f.die(old, 137)
	require.Eventually(t, func() bool {
		pid := h.pid(0)
		return pid != 0 && pid != old
	}, 2*time.Second, 5*time.Millisecond)
	// Let the second notice of the same death (pipe EOF or SIGCHLD) land.
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, crashes+1, testutil.ToFloat64(crashCounter))
	assert.Equal(t, exits+1, testutil.ToFloat64(restartCounter.WithLabelValues("exit")))
	assert.Equal(t, timeouts, testutil.ToFloat64(restartCounter.WithLabelValues("heartbeat_timeout")))

	hung := h.pid(1)
	h.f.proc(hung).hang.Store(true)
	require.Eventually(t, func() bool {
		pid := h.pid(1)
		return pid != 0 && pid != hung
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, crashes+1, testutil.ToFloat64(crashCounter), "a hang is not a crash")
	assert.Equal(t, timeouts+1, testutil.ToFloat64(restartCounter.WithLabelValues("heartbeat_timeout")))
}

func TestSupervisor_ReplacesHungWorker(t *testing.T) {
	cfg := testConfig()
	h := startSupervisor(t, cfg)
	old := h.pid(0)

	start := time.Now()
	h.f.proc(old).hang.Store(true)

	require.Eventually(t, func() bool {
		pid := h.pid(0)
		return pid != 0 && pid != old
	}, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 2*cfg.Heartbeat.Duration+500*time.Millisecond)
	assert.True(t, h.f.signalled(old, syscall.SIGKILL))

	// The killed worker's exit is expected and does not stop the loop.
	assert.Len(t, h.s.Snapshot(), cfg.Workers)
}

func TestSupervisor_ZeroHeartbeatStillReplacesCrashes(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat = Duration{}
	h := startSupervisor(t, cfg)
	old := h.pid(0)

	h.f.proc(old).hang.Store(true)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, old, h.pid(0))

	h.f.die(old, 1)
	require.Eventually(t, func() bool {
		pid := h.pid(0)
		return pid != 0 && pid != old
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_UnknownPIDIsFatal(t *testing.T) {
	h := startSupervisor(t, testConfig())

	h.f.mu.Lock()
	h.f.exited = append(h.f.exited, exit{PID: 4242})
	h.f.mu.Unlock()
	h.f.sigchld()

	err := h.wait(t, 2*time.Second)
	assert.ErrorIs(t, err, ErrUnknownPID)
	_, err = net.Dial("tcp", h.s.Addr().String())
	assert.Error(t, err)
}

func TestSupervisor_GracefulShutdownWaitsForEveryWorker(t *testing.T) {
	cfg := testConfig()
	h := startSupervisor(t, cfg, func(f *fakeOS) { f.stuck = true })
	pids := []int{h.pid(0), h.pid(1)}
	addr := h.s.Addr().String()
	launched := h.f.launchCount()

	h.cancel()
	time.Sleep(200 * time.Millisecond)

	select {
	case err := <-h.errC:
		t.Fatalf("supervisor returned before its workers exited: %v", err)
	default:
	}
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "socket must stay open while draining")
	_ = conn.Close()
	for _, pid := range pids {
		assert.True(t, h.f.signalled(pid, syscall.SIGTERM))
	}

	h.f.die(pids[0], 0)
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-h.errC:
		t.Fatalf("supervisor returned with a worker still running: %v", err)
	default:
	}
	h.f.die(pids[1], 0)

	require.NoError(t, h.wait(t, 2*time.Second))
	assert.Equal(t, launched, h.f.launchCount(), "no worker may be spawned while draining")
	_, err = net.Dial("tcp", addr)
	assert.Error(t, err)
}

func TestSupervisor_ShutdownOnSignal(t *testing.T) {
	h := startSupervisor(t, testConfig())
	pid := h.pid(0)

	h.s.sigC <- syscall.SIGTERM

	require.NoError(t, h.wait(t, 2*time.Second))
	assert.True(t, h.f.signalled(pid, syscall.SIGTERM))
	assert.Nil(t, h.s.Snapshot())
	assert.False(t, h.s.Reload("late"))
}

func TestSupervisor_ForcesKillAfterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = Duration{200 * time.Millisecond}
	h := startSupervisor(t, cfg, func(f *fakeOS) { f.stuck = true })
	pids := []int{h.pid(0), h.pid(1)}

	start := time.Now()
	h.cancel()

	require.NoError(t, h.wait(t, 3*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), cfg.ShutdownTimeout.Duration)
	for _, pid := range pids {
		assert.True(t, h.f.signalled(pid, syscall.SIGKILL))
	}
}

func TestSupervisor_CrashLoopBacksOff(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.CrashLoopThreshold = 1
	cfg.RestartBackoff = Duration{300 * time.Millisecond}
	cfg.MaxBackoff = Duration{time.Second}
	h := startSupervisor(t, cfg)

	first := h.pid(0)
	h.f.die(first, 1)
	require.Eventually(t, func() bool {
		pid := h.pid(0)
		return pid != 0 && pid != first
	}, time.Second, 5*time.Millisecond, "first crash is replaced at once")

	second := h.pid(0)
	h.f.die(second, 1)
	require.Eventually(t, func() bool {
		return len(h.s.Snapshot()) == 0
	}, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool {
		return len(h.s.Snapshot()) != 0
	}, 150*time.Millisecond, 10*time.Millisecond, "second crash inside the window waits for the backoff")
	require.Eventually(t, func() bool {
		pid := h.pid(0)
		return pid != 0 && pid != second
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_RetriesFailedSpawn(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	h := startSupervisor(t, cfg, func(f *fakeOS) { f.failNext = 2 })

	assert.Equal(t, 3, h.f.launchCount())
	assert.Len(t, h.s.Snapshot(), 1)
}

func TestSupervisor_ReloadReplacesEveryWorker(t *testing.T) {
	h := startSupervisor(t, testConfig())
	old := []int{h.pid(0), h.pid(1)}

	require.True(t, h.s.Reload("test"))

	require.Eventually(t, func() bool {
		ws := h.s.Snapshot()
		return len(ws) == 2 && ws[0].PID != old[0] && ws[1].PID != old[1]
	}, 2*time.Second, 5*time.Millisecond)
	for _, pid := range old {
		assert.True(t, h.f.signalled(pid, syscall.SIGTERM))
	}

	h.s.sigC <- syscall.SIGHUP
	require.Eventually(t, func() bool {
		return h.f.launchCount() == 6 && len(h.s.Snapshot()) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_ReloadsWhenEnvFileChanges(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("GREETING=hello\n"), 0o644))

	cfg := testConfig()
	cfg.Workers = 1
	cfg.EnvPaths = []string{envPath}
	cfg.WatchEnv = true
	h := startSupervisor(t, cfg)
	old := h.pid(0)

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(envPath, []byte("GREETING=bonjour\n"), 0o644))

	require.Eventually(t, func() bool {
		pid := h.pid(0)
		return pid != 0 && pid != old
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, h.f.signalled(old, syscall.SIGTERM))
}

func TestSupervisor_LostAndReapAreIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.Heartbeat = Duration{}
	s := New(cfg, nil)
	f := newFakeOS(s)
	s.hctx = context.Background()
	t.Cleanup(func() {
		for _, h := range s.live() {
			h.stop()
		}
		f.closeAll()
	})

	s.spawn(0)
	h := s.slots[0]
	require.NotNil(t, h)

	s.lost(h, ErrHeartbeatTimeout)
	replacement := s.slots[0]
	require.NotNil(t, replacement)
	assert.NotEqual(t, h.PID, replacement.PID)
	assert.False(t, h.Running())

	// A second report for the same worker changes nothing.
	s.lost(h, ErrChannelEOF)
	assert.Same(t, replacement, s.slots[0])
	assert.False(t, s.remove(h))
	assert.Equal(t, 1, s.poolSize())

	// The retired pid is reaped once; a second exit for it is unknown.
	require.NoError(t, s.reaped(exit{PID: h.PID, Status: 137}))
	assert.ErrorIs(t, s.reaped(exit{PID: h.PID}), ErrUnknownPID)

	s.shutdown("test")
	s.shutdown("again")
	assert.True(t, s.terminating)
	s.spawn(0)
	assert.Equal(t, 2, f.launchCount())
}
