package pool

import (
	"context"
	"time"

	"github.com/muqo16/browserctl/internal/driver"
)

// HealthResult is the per-instance probe outcome from spec.md 4.C.
type HealthResult struct {
	ConnectionHealthy bool
	Responsive        bool
	MemoryHealthy     bool
	PageCountHealthy  bool
	Score             float64
	MemoryMB          float64
	CPUPercent        float64
}

func (r HealthResult) unhealthy() bool {
	return !r.ConnectionHealthy || !r.Responsive || !r.MemoryHealthy || !r.PageCountHealthy
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.runHealthChecks()
		}
	}
}

func (p *Pool) runHealthChecks() {
	p.mu.RLock()
	insts := make([]*managedInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		insts = append(insts, inst)
	}
	p.mu.RUnlock()

	for _, inst := range insts {
		result := p.probe(inst)
		inst.mu.Lock()
		inst.healthScore = result.Score
		state := inst.state
		inst.mu.Unlock()
		inst.recordResourceUsage(result.MemoryMB, result.CPUPercent)

		if !result.unhealthy() {
			continue
		}

		switch state {
		case StateIdle:
			inst.setState(StateUnhealthy)
			p.destroy(inst, "unhealthy_idle")
		case StateActive:
			// flagged; destroyed on the next Release per spec.md 4.C.
			inst.setState(StateUnhealthy)
		}
	}
}

func (p *Pool) probe(inst *managedInstance) HealthResult {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	connected := inst.Healthy(ctx)
	responsive := connected

	snap := inst.snapshot()
	pageCountHealthy := snap.PageCount <= int32(p.cfg.MaxPagesPerBrowser)

	// memoryMB/cpuPercent stay at zero (and memoryHealthy defaults true)
	// for Instance implementations that don't support sampling, e.g. the
	// fakes used in pool tests.
	var memoryMB, cpuPercent float64
	memoryHealthy := true
	if sampler, ok := inst.Instance.(driver.ResourceUsage); ok && connected {
		if m, c, err := sampler.ResourceUsage(ctx); err == nil {
			memoryMB, cpuPercent = m, c
			memoryHealthy = memoryMB <= float64(p.cfg.MaxMemoryMB)
		}
	}

	score := 1.0
	if !connected {
		score -= 0.5
	}
	if !responsive {
		score -= 0.3
	}
	if !pageCountHealthy {
		score -= 0.2
	}
	if !memoryHealthy {
		score -= 0.2
	}
	if score < 0 {
		score = 0
	}

	return HealthResult{
		ConnectionHealthy: connected,
		Responsive:        responsive,
		MemoryHealthy:     memoryHealthy,
		PageCountHealthy:  pageCountHealthy,
		Score:             score,
		MemoryMB:          memoryMB,
		CPUPercent:        cpuPercent,
	}
}
