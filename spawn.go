package prefork

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envWorker = "PREFORK_WORKER"
	envSlot   = "PREFORK_SLOT"

	// Descriptors a worker inherits, in ExtraFiles order.
	listenerFD       = 3
	heartbeatReadFD  = 4
	heartbeatWriteFD = 5
)

// IsWorker reports whether this process was started by a supervisor as
// one of its workers.
func IsWorker() bool {
	return os.Getenv(envWorker) == "1"
}

// forkWorker starts a copy of the running binary as the worker for slot.
// The child gets the shared socket plus the child ends of two pipes; the
// parent keeps the other ends.
func (s *Supervisor) forkWorker(slot int) (*WorkerHandle, error) {
	env, err := workerEnv(s.cfg.EnvPaths)
	if err != nil {
		s.log.Warn("Some env files could not be loaded", slog.String("err", err.Error()))
	}
	binPath, err := os.Executable()
	if err != nil {
		return nil, &SpawnError{Slot: slot, Err: fmt.Errorf("unable to get executable path: %w", err)}
	}
	upR, upW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Slot: slot, Err: err}
	}
	downR, downW, err := os.Pipe()
	if err != nil {
		_ = upR.Close()
		_ = upW.Close()
		return nil, &SpawnError{Slot: slot, Err: err}
	}

	cmd := exec.Command(binPath, os.Args[1:]...)
	cmd.Env = append(env, envWorker+"=1", envSlot+"="+strconv.Itoa(slot))
	cmd.ExtraFiles = []*os.File{s.lnFile, upR, downW}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err = cmd.Start()
	_ = upR.Close()
	_ = downW.Close()
	if err != nil {
		_ = upW.Close()
		_ = downR.Close()
		return nil, &SpawnError{Slot: slot, Err: err}
	}
	pid := cmd.Process.Pid
	// The pid is reaped through wait4 on SIGCHLD, never through cmd.Wait.
	_ = cmd.Process.Release()
	return newWorkerHandle(slot, pid, NewChannel(downR, upW), s.log), nil
}

// workerEnv is the current environment with the key/value pairs of every
// env file appended. Later files win; exec keeps the last duplicate.
func workerEnv(paths []string) ([]string, error) {
	env := os.Environ()
	var errs []error
	for _, raw := range paths {
		path := strings.TrimSpace(raw)
		if path == "" {
			continue
		}
		vars, err := readEnvFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+vars[k])
		}
	}
	return env, errors.Join(errs...)
}

func readEnvFile(path string) (map[string]string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if ext == ".json" {
			err = json.Unmarshal(data, &m)
		} else {
			err = yaml.Unmarshal(data, &m)
		}
		if err != nil {
			return nil, err
		}
		vars := make(map[string]string, len(m))
		for k, v := range m {
			switch v := v.(type) {
			case nil:
				vars[k] = ""
			case string:
				vars[k] = v
			case map[string]any, []any:
				return nil, fmt.Errorf("key %q: nested values are not supported", k)
			default:
				vars[k] = fmt.Sprint(v)
			}
		}
		return vars, nil
	default:
		// .env and extensionless files use dotenv syntax.
		return godotenv.Read(path)
	}
}
