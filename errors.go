package prefork

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelEOF is returned by Channel.Recv when the peer closed its end
	// of the pipe between frames.
	ErrChannelEOF = errors.New("heartbeat channel closed")
	ErrBadFrame   = errors.New("malformed heartbeat frame")

	ErrHeartbeatTimeout = errors.New("worker stopped answering heartbeats")
	ErrOrphanedWorker   = errors.New("supervisor is gone")
	ErrUnknownPID       = errors.New("reaped pid is not a registered worker")
)

// BindError means the master could not open its listening socket. It is
// fatal: no worker is spawned.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// SpawnError is a failed pipe or process start for one worker slot. The
// slot is retried.
type SpawnError struct {
	Slot int
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker slot %d: %v", e.Slot, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
