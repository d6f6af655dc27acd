package worker

import (
	"math/rand"
	"time"
)

type Rand interface {
	Int63n(n int64) int64
}

type PlannerConfig struct {
	BaseDelay time.Duration // default: 30 seconds
	MaxDelay  time.Duration // default: 10 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		BaseDelay: 30 * time.Second,
		MaxDelay:  10 * time.Minute,
	}
}

// Planner picks the redelivery delay after a failed attempt:
// exponential base*2^(attempt-1) capped at MaxDelay, then jittered into [d/2, d].
type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if r == nil {
		r = globalRand{}
	}
	return &Planner{cfg: cfg, r: r}
}

func (p *Planner) Config() PlannerConfig { return p.cfg }

// Ceiling is the delay before jitter.
func (p *Planner) Ceiling(attempt int) time.Duration {
	d := p.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= p.cfg.MaxDelay/2 {
			return p.cfg.MaxDelay
		}
		d *= 2
	}
	if d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

func (p *Planner) RetryDelay(attempt int) time.Duration {
	d := p.Ceiling(attempt)
	half := d / 2
	return half + time.Duration(p.r.Int63n(int64(d-half)+1))
}

// globalRand uses the package-level source, which is safe for concurrent workers.
type globalRand struct{}

func (globalRand) Int63n(n int64) int64 { return rand.Int63n(n) }
