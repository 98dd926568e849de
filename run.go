package prefork

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Run is the single entry point for both roles. In a worker process it
// serves with factory; otherwise it becomes the master (after daemonizing
// if configured) and supervises cfg.Workers copies of this binary.
func Run(cfg *Config, factory ProtocolFactory) error {
	if IsWorker() {
		return RunWorker(context.Background(), cfg, factory)
	}
	if cfg.Daemonize {
		parent, err := daemonize(cfg)
		if err != nil {
			return err
		}
		if parent {
			return nil
		}
	}
	log, closer, err := setupLogging(cfg.SupervisorLog(), "supervisor")
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := createPIDFile(cfg.PIDFile); err != nil {
		return err
	}
	defer removePIDFile(cfg.PIDFile)

	log.Info("Supervisor starting", slog.Int("pid", os.Getpid()), slog.String("addr", cfg.Addr()),
		slog.Int("workers", cfg.Workers), slog.Duration("heartbeat", cfg.Heartbeat.Duration))
	return New(cfg, log).Run(context.Background())
}

// Execute parses the command line, loads the optional config file and
// calls Run, exiting with status 1 on failure.
func Execute(factory ProtocolFactory) {
	configFlag := flag.String("config", "", "Path to YAML or JSON configuration file")
	hostFlag := flag.String("host", defaultHost, "Host name, or host:port")
	portFlag := flag.Int("port", defaultPort, "Port number")
	workersFlag := flag.Int("workers", defaultWorkers, "Number of workers")
	heartbeatFlag := flag.Int("heartbeat", int(defaultHeartbeat/time.Second), "Seconds between heartbeat pings; 0 disables pings")
	detectHangsFlag := flag.Bool("detect-hangs", true, "Kill and replace workers that stop answering heartbeats")
	daemonFlag := flag.Bool("daemon", false, "Detach from the terminal")
	pidFlag := flag.String("pidfile", defaultPIDFile, "PID file path")
	stderrFlag := flag.Bool("stderr", false, "Keep stdout/stderr when daemonized")
	metricsFlag := flag.String("metrics", "", "Address for /metrics, /healthz and /workers (empty disables)")
	flag.Parse()

	cfg := Default()
	if *configFlag != "" {
		var err error
		if cfg, err = LoadConfig(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	// Flags given explicitly override the file.
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			if err := cfg.SetHostPort(*hostFlag); err != nil {
				flagErr = err
			}
		case "port":
			cfg.Port = *portFlag
		case "workers":
			cfg.Workers = *workersFlag
		case "heartbeat":
			cfg.Heartbeat = Seconds(*heartbeatFlag)
		case "detect-hangs":
			cfg.DetectHangs = *detectHangsFlag
		case "daemon":
			cfg.Daemonize = *daemonFlag
		case "pidfile":
			cfg.PIDFile = *pidFlag
		case "stderr":
			cfg.Stderr = *stderrFlag
		case "metrics":
			cfg.MetricsAddr = *metricsFlag
		}
	})
	if err := errors.Join(flagErr, cfg.Validate()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := Run(cfg, factory); err != nil {
		slog.Error("Exiting", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
