package prefork

import "time"

// restartPolicy tracks crashes of one worker slot. A slot that crashes
// more than threshold times inside window is respawned after an
// exponential backoff instead of immediately.
type restartPolicy struct {
	threshold int
	window    time.Duration
	base      time.Duration
	max       time.Duration

	crashes []time.Time
	backoff time.Duration
}

func newRestartPolicy(cfg *Config) *restartPolicy {
	return &restartPolicy{
		threshold: cfg.CrashLoopThreshold,
		window:    cfg.CrashLoopWindow.Duration,
		base:      cfg.RestartBackoff.Duration,
		max:       cfg.MaxBackoff.Duration,
		backoff:   cfg.RestartBackoff.Duration,
	}
}

// record notes a crash at now and returns how long to wait before the
// replacement is spawned.
func (p *restartPolicy) record(now time.Time) time.Duration {
	windowStart := now.Add(-p.window)
	kept := p.crashes[:0]
	for _, t := range p.crashes {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	p.crashes = append(kept, now)
	if len(p.crashes) <= p.threshold {
		p.backoff = p.base
		return 0
	}
	d := p.backoff
	if p.backoff < p.max {
		p.backoff *= 2
		if p.backoff > p.max {
			p.backoff = p.max
		}
	}
	return d
}

func (p *restartPolicy) count() int {
	return len(p.crashes)
}
