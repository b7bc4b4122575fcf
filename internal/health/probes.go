package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/railsignal/fleet-sentinel/internal/domain"
)

// FuncProbe adapts a function into a Probe and times its run.
type FuncProbe struct {
	name     string
	critical bool
	clock    domain.Clock
	run      func(ctx context.Context) (ProbeStatus, string)
}

// NewFuncProbe creates a probe from a function.
func NewFuncProbe(name string, critical bool, clock domain.Clock, run func(ctx context.Context) (ProbeStatus, string)) *FuncProbe {
	return &FuncProbe{name: name, critical: critical, clock: clock, run: run}
}

func (p *FuncProbe) Name() string   { return p.name }
func (p *FuncProbe) Critical() bool { return p.critical }

func (p *FuncProbe) Run(ctx context.Context) ProbeResult {
	start := p.clock.Now()
	status, message := p.run(ctx)
	return ProbeResult{
		Name:     p.name,
		Status:   status,
		Critical: p.critical,
		Duration: p.clock.Now().Sub(start),
		Message:  message,
	}
}

// NewRedisProbe checks connectivity to the shared store backend. It is
// critical because rate limiting and jump baselines live there when the
// redis backend is selected.
func NewRedisProbe(client *redis.Client, clock domain.Clock) *FuncProbe {
	return NewFuncProbe("redis", true, clock, func(ctx context.Context) (ProbeStatus, string) {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return ProbeFail, err.Error()
		}
		return ProbePass, ""
	})
}

// NewLagProbe watches consumer lag on the report topic.
func NewLagProbe(lag func() int64, warnAt, failAt int64, clock domain.Clock) *FuncProbe {
	return NewFuncProbe("kafka", false, clock, func(ctx context.Context) (ProbeStatus, string) {
		current := lag()
		switch {
		case current >= failAt:
			return ProbeFail, fmt.Sprintf("consumer lag %d exceeds %d", current, failAt)
		case current >= warnAt:
			return ProbeWarn, fmt.Sprintf("consumer lag %d exceeds %d", current, warnAt)
		default:
			return ProbePass, ""
		}
	})
}

// NewIngestProbe warns when no reports have been processed recently.
// Silence usually means an upstream feed problem, not a local fault, so
// the probe is non-critical.
func NewIngestProbe(throughput func() float64, clock domain.Clock) *FuncProbe {
	return NewFuncProbe("ingest", false, clock, func(ctx context.Context) (ProbeStatus, string) {
		if throughput() <= 0 {
			return ProbeWarn, "no reports processed in the sampling window"
		}
		return ProbePass, ""
	})
}
