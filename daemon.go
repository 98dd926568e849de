package prefork

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const envDaemon = "PREFORK_DAEMON"

// daemonize re-executes the binary detached from the terminal in a new
// session. It returns true in the original process, which should exit.
func daemonize(cfg *Config) (bool, error) {
	if os.Getenv(envDaemon) == "1" {
		return false, nil
	}
	binPath, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("unable to get executable path: %w", err)
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	defer devNull.Close()

	cmd := exec.Command(binPath, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDaemon+"=1")
	cmd.Stdin = devNull
	cmd.Stdout, cmd.Stderr = devNull, devNull
	if cfg.Stderr {
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("daemonize: %w", err)
	}
	_ = cmd.Process.Release()
	return true, nil
}

// createPIDFile writes the current pid to path and refuses to overwrite a
// file left by a live process.
func createPIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if pid > 0 && processAlive(pid) {
			return fmt.Errorf("PID file %s already exists; another instance (pid %d) may be running", path, pid)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	_ = os.Remove(path)
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
