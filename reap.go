package prefork

import (
	"golang.org/x/sys/unix"
)

const exitSignalOffset = 128

// waitExited collects every child that has exited so far. SIGCHLD
// deliveries coalesce, so one notification may stand for several exits.
func waitExited() ([]exit, error) {
	var exits []exit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			return exits, nil
		case err != nil:
			return exits, err
		case pid <= 0:
			return exits, nil
		}
		status := ws.ExitStatus()
		if ws.Signaled() {
			status = exitSignalOffset + int(ws.Signal())
		}
		exits = append(exits, exit{PID: pid, Status: status})
	}
}
