package pool

import (
	"context"
	"time"
)

// maintenanceLoop periodically evaluates idle instances against the
// configured recycling strategy and tops the pool back up to MinSize,
// adapted from the teacher's BrowserPool.performMaintenance but driven
// by score functions instead of a fixed age/session check.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.runMaintenance()
		}
	}
}

func (p *Pool) runMaintenance() {
	now := time.Now()
	inMaintenanceWindow := p.cfg.inMaintenanceWindow(now.Hour())

	if p.recycleCooldownActive() && !inMaintenanceWindow {
		p.topUp()
		return
	}

	p.mu.RLock()
	candidates := make([]*managedInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.getState() == StateIdle {
			candidates = append(candidates, inst)
		}
	}
	p.mu.RUnlock()

	var toRecycle []*managedInstance
	if inMaintenanceWindow {
		// batch recycling is allowed outside critical paths
		for _, inst := range candidates {
			if p.shouldRecycle(inst) {
				toRecycle = append(toRecycle, inst)
			}
		}
	} else {
		// one at a time: the highest hybrid score among the instances
		// the configured strategy selects
		var eligible []*managedInstance
		for _, inst := range candidates {
			if p.shouldRecycle(inst) {
				eligible = append(eligible, inst)
			}
		}
		if best, _, ok := p.highestScoring(eligible); ok {
			toRecycle = append(toRecycle, best)
		}
	}

	for _, inst := range toRecycle {
		p.mu.RLock()
		count := len(p.instances)
		p.mu.RUnlock()
		if count <= p.cfg.MinSize {
			break
		}
		p.destroy(inst, string(p.cfg.Strategy))
	}

	p.topUp()
}

func (p *Pool) topUp() {
	p.mu.RLock()
	count := len(p.instances)
	p.mu.RUnlock()
	needed := p.cfg.MinSize - count
	for i := 0; i < needed; i++ {
		if _, err := p.launchOne(context.Background()); err != nil {
			if p.log != nil {
				p.log.Warn("pool: top-up launch failed: " + err.Error())
			}
			break
		}
	}
}

// recycleCutoff is the hybrid score an instance must exceed for the
// hybrid strategy to select it for recycling.
const recycleCutoff = 0.6

func (p *Pool) shouldRecycle(inst *managedInstance) bool {
	snap := inst.snapshot()
	switch p.cfg.Strategy {
	case RecycleTimeBased:
		return inst.age() > p.cfg.MaxLifetime || inst.idleFor() > p.cfg.MaxIdleTime
	case RecycleUsageBased:
		return snap.UseCount > p.cfg.MaxUses || snap.PageCount > p.cfg.SoftPageLimit
	case RecycleHealthBased:
		return snap.HealthScore < p.cfg.HealthScoreFloor || p.errorRate(snap) > p.cfg.ErrorRateThreshold
	case RecycleResourceBased:
		return snap.MemoryMB > float64(p.cfg.MemoryThresholdMB) || snap.CPUPercent > p.cfg.CPUThresholdPercent
	default: // hybrid
		return p.hybridScore(inst) > recycleCutoff
	}
}

func (p *Pool) errorRate(snap InstanceSnapshot) float64 {
	if snap.UseCount == 0 {
		return 0
	}
	return float64(snap.ErrorCount) / float64(snap.UseCount)
}

func (p *Pool) hybridScore(inst *managedInstance) float64 {
	snap := inst.snapshot()
	w := p.cfg.HybridWeights

	ageScore := clamp01(inst.age().Seconds() / p.cfg.MaxLifetime.Seconds())
	usageScore := clamp01(float64(snap.UseCount) / float64(p.cfg.MaxUses))
	healthScore := clamp01(1 - snap.HealthScore)
	memoryScore := clamp01(snap.MemoryMB / float64(p.cfg.MemoryThresholdMB))

	return w.Age*ageScore + w.Usage*usageScore + w.Health*healthScore + w.Memory*memoryScore
}

func (p *Pool) highestScoring(candidates []*managedInstance) (*managedInstance, float64, bool) {
	var best *managedInstance
	bestScore := -1.0
	for _, inst := range candidates {
		score := p.hybridScore(inst)
		if score > bestScore {
			bestScore = score
			best = inst
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestScore, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
