package prefork

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHost               = "127.0.0.1"
	defaultPort               = 8080
	defaultWorkers            = 2
	defaultHeartbeat          = 15 * time.Second
	defaultPIDFile            = "prefork.pid"
	defaultLogDir             = "./log/prefork"
	defaultShutdownTimeout    = 10 * time.Second
	defaultWorkerStopTimeout  = 5 * time.Second
	defaultCrashLoopThreshold = 5
	defaultCrashLoopWindow    = 1 * time.Minute
	defaultRestartBackoff     = 1 * time.Second
	defaultMaxBackoff         = 30 * time.Second
)

// Duration is a time.Duration that decodes from either a number of seconds
// or a Go duration string ("500ms", "15s").
type Duration struct {
	time.Duration
}

// Seconds builds a Duration of n whole seconds.
func Seconds(n int) Duration {
	return Duration{time.Duration(n) * time.Second}
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %s: %w", data, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Config holds every startup input of the master. Workers read the same
// file so both sides agree on timeouts and log locations.
type Config struct {
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	Workers int    `yaml:"workers" json:"workers"`

	// Heartbeat is the ping period; zero disables pings but not reaping.
	Heartbeat Duration `yaml:"heartbeat" json:"heartbeat"`
	// DetectHangs enables kill+respawn of workers that stop answering pings.
	DetectHangs bool `yaml:"detectHangs" json:"detectHangs"`

	Daemonize bool   `yaml:"daemonize" json:"daemonize"`
	PIDFile   string `yaml:"pidfile" json:"pidfile"`
	Stderr    bool   `yaml:"stderr" json:"stderr"`
	LogDir    string `yaml:"logDir" json:"logDir"`

	MetricsAddr string   `yaml:"metricsAddr" json:"metricsAddr"`
	EnvPaths    []string `yaml:"envPaths" json:"envPaths"`
	WatchEnv    bool     `yaml:"watchEnv" json:"watchEnv"`

	ShutdownTimeout    Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	WorkerStopTimeout  Duration `yaml:"workerStopTimeout" json:"workerStopTimeout"`
	CrashLoopThreshold int      `yaml:"crashLoopThreshold" json:"crashLoopThreshold"`
	CrashLoopWindow    Duration `yaml:"crashLoopWindow" json:"crashLoopWindow"`
	RestartBackoff     Duration `yaml:"restartBackoff" json:"restartBackoff"`
	MaxBackoff         Duration `yaml:"maxBackoff" json:"maxBackoff"`
}

// Default returns the configuration used when no file is given. Config
// files are decoded over it, so absent keys keep these values.
func Default() *Config {
	return &Config{
		Host:               defaultHost,
		Port:               defaultPort,
		Workers:            defaultWorkers,
		Heartbeat:          Duration{defaultHeartbeat},
		DetectHangs:        true,
		PIDFile:            defaultPIDFile,
		LogDir:             defaultLogDir,
		ShutdownTimeout:    Duration{defaultShutdownTimeout},
		WorkerStopTimeout:  Duration{defaultWorkerStopTimeout},
		CrashLoopThreshold: defaultCrashLoopThreshold,
		CrashLoopWindow:    Duration{defaultCrashLoopWindow},
		RestartBackoff:     Duration{defaultRestartBackoff},
		MaxBackoff:         Duration{defaultMaxBackoff},
	}
}

// Addr is the host:port the master binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SupervisorLog is the master's log file under LogDir.
func (c *Config) SupervisorLog() string {
	return filepath.Join(c.LogDir, "supervisor.log")
}

// WorkerLog is the log file of the worker in slot. Each slot gets its own
// file since lumberjack assumes a single writing process.
func (c *Config) WorkerLog(slot int) string {
	return filepath.Join(c.LogDir, fmt.Sprintf("worker-%d.log", slot))
}

// SetHostPort accepts either a bare host or host:port; the latter also sets
// the port.
func (c *Config) SetHostPort(v string) error {
	if !strings.Contains(v, ":") {
		c.Host = v
		return nil
	}
	host, port, err := net.SplitHostPort(v)
	if err != nil {
		return fmt.Errorf("invalid host %q: %w", v, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port in %q: %w", v, err)
	}
	c.Host, c.Port = host, p
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.Heartbeat.Duration < 0 {
		errs = append(errs, errors.New("heartbeat must not be negative"))
	}
	if c.ShutdownTimeout.Duration < 0 || c.WorkerStopTimeout.Duration < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.CrashLoopThreshold < 1 {
		errs = append(errs, fmt.Errorf("crashLoopThreshold must be at least 1, got %d", c.CrashLoopThreshold))
	}
	if c.RestartBackoff.Duration > c.MaxBackoff.Duration {
		errs = append(errs, errors.New("restartBackoff exceeds maxBackoff"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads a yaml or json config file on top of Default().
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")) // Remove UTF-8 BOM if present
	cfg := Default()
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	default:
		return nil, fmt.Errorf("failed to load config from %s: unsupported format", configPath)
	}
	return cfg, nil
}
