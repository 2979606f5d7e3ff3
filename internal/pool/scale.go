package pool

import (
	"context"
	"time"
)

// scalingLoop samples utilization and queue depth every ScalingInterval
// and scales the pool between MinSize and MaxSize, per spec.md 4.C's
// adaptive scaling control loop.
func (p *Pool) scalingLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScalingInterval)
	defer ticker.Stop()

	upStreak, downStreak := 0, 0
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			util, queueDepth := p.sampleLoad()

			if util > p.cfg.ScaleUpThreshold {
				upStreak++
				downStreak = 0
			} else if util < p.cfg.ScaleDownThreshold && queueDepth == 0 {
				downStreak++
				upStreak = 0
			} else {
				upStreak, downStreak = 0, 0
			}

			if upStreak >= p.cfg.ScaleSustainSamples {
				p.scaleUp()
				upStreak = 0
			} else if downStreak >= p.cfg.ScaleSustainSamples && !p.recycleCooldownActive() {
				p.scaleDown()
				downStreak = 0
			}
		}
	}
}

func (p *Pool) sampleLoad() (utilization float64, queueDepth int) {
	p.mu.RLock()
	active := 0
	for _, inst := range p.instances {
		if inst.getState() == StateActive {
			active++
		}
	}
	p.mu.RUnlock()
	return float64(active) / float64(p.cfg.MaxSize), p.queue.depth()
}

func (p *Pool) scaleUp() {
	p.mu.RLock()
	count := len(p.instances)
	p.mu.RUnlock()
	if count >= p.cfg.MaxSize {
		return
	}
	inst, err := p.launchOne(context.Background())
	if err != nil {
		if p.log != nil {
			p.log.Warn("pool: scale-up launch failed: " + err.Error())
		}
		return
	}
	p.pushIdle(inst)
	if p.log != nil {
		p.log.Info("pool: scaled up")
	}
}

func (p *Pool) scaleDown() {
	p.mu.RLock()
	count := len(p.instances)
	p.mu.RUnlock()
	if count <= p.cfg.MinSize {
		return
	}
	inst := p.popIdle()
	if inst == nil {
		return
	}
	p.destroy(inst, "scale_down")
	if p.log != nil {
		p.log.Info("pool: scaled down")
	}
}
