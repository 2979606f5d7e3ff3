// Package pool implements BrowserPool (spec.md 4.C): a bounded pool of
// browser instances with a FIFO acquisition queue, health checks,
// configurable recycling, a launch-path circuit breaker, and adaptive
// scaling. Grounded on the teacher's pkg/browser.BrowserPool (object
// pool over a channel plus a tracked-instance map) but replaces its
// fixed age/session recycling with the full strategy set and adds the
// queue, breaker, and scaling loops the teacher's pool lacks.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muqo16/browserctl/internal/circuitbreaker"
	"github.com/muqo16/browserctl/internal/driver"
	"github.com/muqo16/browserctl/internal/logging"
	"github.com/muqo16/browserctl/internal/metrics"
)

// Metrics is a read-only snapshot returned by Pool.Metrics.
type Metrics struct {
	Active         int
	Idle           int
	QueueDepth     int
	TotalCreated   int64
	TotalDestroyed int64
	TotalRecycled  int64
	TotalAcquired  int64
	AcquireTimeouts int64
	CircuitState   string
}

// Pool is BrowserPool.
type Pool struct {
	cfg      Config
	launcher driver.Launcher
	log      *logging.Logger
	metrics  *metrics.Collector
	breaker  *circuitbreaker.Breaker

	mu        sync.RWMutex
	instances map[string]*managedInstance
	idleIDs   []string

	queue *fifoQueue

	counters struct {
		created, destroyed, recycled, acquired, timeouts int64
	}

	lastRecycleAt atomic.Value // time.Time

	closing int32
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a Pool and pre-launches MinSize instances in the
// background; failures to pre-launch are logged, not fatal, so the
// pool still comes up and creates on demand.
func New(ctx context.Context, cfg Config, launcher driver.Launcher, log *logging.Logger, mc *metrics.Collector) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:       cfg,
		launcher:  launcher,
		log:       log,
		metrics:   mc,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			RollingWindow:    cfg.CircuitBreakerRollingWindow,
			OpenDuration:     cfg.CircuitBreakerOpenDuration,
		}),
		instances: make(map[string]*managedInstance),
		queue:     &fifoQueue{},
		stop:      make(chan struct{}),
	}
	p.lastRecycleAt.Store(time.Time{})

	for i := 0; i < cfg.MinSize; i++ {
		if _, err := p.launchOne(ctx); err != nil {
			p.log.Warn("pool: pre-launch failed, will retry on demand: " + err.Error())
		}
	}

	p.wg.Add(3)
	go p.healthLoop()
	go p.maintenanceLoop()
	go p.scalingLoop()

	return p
}

// Acquire hands the caller an idle instance, launches a fresh one if
// under MaxSize, or enqueues a FIFO waiter until one frees up or ctx's
// deadline (bounded by AcquireTimeout) elapses.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*managedInstance, error) {
	if atomic.LoadInt32(&p.closing) == 1 {
		return nil, ErrShuttingDown
	}
	atomic.AddInt64(&p.counters.acquired, 1)

	if inst := p.popIdle(); inst != nil {
		inst.markAcquired(sessionID)
		return inst, nil
	}

	p.mu.RLock()
	count := len(p.instances)
	p.mu.RUnlock()

	if count < p.cfg.MaxSize {
		if err := p.breaker.Allow(); err != nil {
			return nil, ErrUnavailable
		}
		inst, err := p.launchOne(ctx)
		if err != nil {
			p.breaker.RecordFailure()
			return nil, fmt.Errorf("pool: launch: %w", err)
		}
		p.breaker.RecordSuccess()
		inst.markAcquired(sessionID)
		return inst, nil
	}

	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w := newWaiter(sessionID, deadline)
	p.queue.push(w)
	if p.metrics != nil {
		p.metrics.PoolQueue.Set(float64(p.queue.depth()))
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-w.result:
		if res.err != nil {
			return nil, res.err
		}
		res.instance.markAcquired(sessionID)
		return res.instance, nil
	case <-timer.C:
		if w.deliver(waiterResult{err: ErrTimeout}) {
			p.queue.remove(w)
			atomic.AddInt64(&p.counters.timeouts, 1)
			if p.metrics != nil {
				p.metrics.AcquireTimeouts.Inc()
			}
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		if w.deliver(waiterResult{err: ctx.Err()}) {
			p.queue.remove(w)
		}
		return nil, ctx.Err()
	case <-p.stop:
		if w.deliver(waiterResult{err: ErrShuttingDown}) {
			p.queue.remove(w)
		}
		return nil, ErrShuttingDown
	}
}

// Release returns browserID to idle, then wakes the oldest FIFO waiter
// if one is queued. An instance flagged unhealthy is destroyed instead,
// and the oldest waiter, if any, is handed a freshly launched one.
func (p *Pool) Release(browserID, sessionID string) error {
	p.mu.RLock()
	inst, ok := p.instances[browserID]
	p.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	inst.mu.Lock()
	owner := inst.acquiredBy
	inst.mu.Unlock()
	if owner != "" && owner != sessionID {
		return ErrNotOwner
	}

	if inst.getState() == StateUnhealthy {
		p.destroy(inst, "unhealthy_on_release")
		if w := p.nextWaiter(); w != nil {
			fresh, err := p.launchOne(context.Background())
			if err != nil {
				p.breaker.RecordFailure()
				w.deliver(waiterResult{err: fmt.Errorf("pool: launch: %w", err)})
				return nil
			}
			p.breaker.RecordSuccess()
			fresh.markAcquired(w.sessionID)
			if !w.deliver(waiterResult{instance: fresh}) {
				fresh.markIdle()
				p.pushIdle(fresh)
			}
		}
		return nil
	}

	inst.markIdle()

	if w := p.nextWaiter(); w != nil {
		inst.markAcquired(w.sessionID)
		if !w.deliver(waiterResult{instance: inst}) {
			// waiter already timed out racing us; put the instance back
			inst.markIdle()
			p.handOffOrIdle(inst)
		}
		return nil
	}
	p.pushIdle(inst)
	return nil
}

// Recycle destroys browserID and removes it from the pool, regardless
// of its current state; reason is used only for metrics/audit labeling.
func (p *Pool) Recycle(browserID, reason string) error {
	p.mu.RLock()
	inst, ok := p.instances[browserID]
	p.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	p.destroy(inst, reason)
	return nil
}

// Metrics returns a point-in-time snapshot of pool counters.
func (p *Pool) Metrics() Metrics {
	p.mu.RLock()
	active, idle := 0, 0
	for _, inst := range p.instances {
		if inst.getState() == StateActive {
			active++
		} else if inst.getState() == StateIdle {
			idle++
		}
	}
	p.mu.RUnlock()
	return Metrics{
		Active:          active,
		Idle:            idle,
		QueueDepth:      p.queue.depth(),
		TotalCreated:    atomic.LoadInt64(&p.counters.created),
		TotalDestroyed:  atomic.LoadInt64(&p.counters.destroyed),
		TotalRecycled:   atomic.LoadInt64(&p.counters.recycled),
		TotalAcquired:   atomic.LoadInt64(&p.counters.acquired),
		AcquireTimeouts: atomic.LoadInt64(&p.counters.timeouts),
		CircuitState:    p.breaker.State(),
	}
}

// SetBounds updates MinSize/MaxSize in place, for a config watcher to
// apply without a restart. The scaling loop picks up the new bounds on
// its next sampling tick; it never destroys instances to shrink below
// the old MaxSize immediately. A pair with a negative minSize, a
// non-positive maxSize, or minSize > maxSize is ignored as a whole.
func (p *Pool) SetBounds(minSize, maxSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if minSize < 0 || maxSize <= 0 || minSize > maxSize {
		return
	}
	p.cfg.MinSize = minSize
	p.cfg.MaxSize = maxSize
}

// Shutdown fails every queued waiter with ErrShuttingDown so callers
// observe a clean error rather than a hang, stops the background loops,
// and destroys every instance. force does not change this sequence.
func (p *Pool) Shutdown(force bool) error {
	if !atomic.CompareAndSwapInt32(&p.closing, 0, 1) {
		return nil
	}
	close(p.stop)
	for _, w := range p.queue.drain() {
		w.deliver(waiterResult{err: ErrShuttingDown})
	}
	p.wg.Wait()

	p.mu.Lock()
	insts := make([]*managedInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		insts = append(insts, inst)
	}
	p.instances = make(map[string]*managedInstance)
	p.idleIDs = nil
	p.mu.Unlock()

	ctx := context.Background()
	for _, inst := range insts {
		_ = inst.Close(ctx)
		atomic.AddInt64(&p.counters.destroyed, 1)
		if p.metrics != nil {
			p.metrics.PoolDestroyed.Inc()
		}
	}
	return nil
}

func (p *Pool) launchOne(ctx context.Context) (*managedInstance, error) {
	raw, err := p.launcher.Launch(ctx, driver.LaunchOptions{Headless: p.cfg.Headless})
	if err != nil {
		return nil, err
	}
	inst := newManagedInstance(raw)
	inst.setState(StateIdle)
	p.mu.Lock()
	p.instances[inst.id] = inst
	p.mu.Unlock()
	atomic.AddInt64(&p.counters.created, 1)
	if p.metrics != nil {
		p.metrics.PoolCreated.Inc()
	}
	return inst, nil
}

func (p *Pool) destroy(inst *managedInstance, reason string) {
	inst.setState(StateClosed)
	p.mu.Lock()
	delete(p.instances, inst.id)
	p.removeIdleLocked(inst.id)
	p.mu.Unlock()

	_ = inst.Close(context.Background())
	atomic.AddInt64(&p.counters.destroyed, 1)
	atomic.AddInt64(&p.counters.recycled, 1)
	p.lastRecycleAt.Store(time.Now())
	if p.metrics != nil {
		p.metrics.PoolDestroyed.Inc()
		p.metrics.PoolRecycled.WithLabelValues(reason).Inc()
	}
	if p.log != nil {
		p.log.Debug("pool: destroyed browser " + inst.id + " (" + reason + ")")
	}
}

func (p *Pool) pushIdle(inst *managedInstance) {
	p.mu.Lock()
	p.idleIDs = append(p.idleIDs, inst.id)
	p.mu.Unlock()
}

func (p *Pool) popIdle() *managedInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.idleIDs) > 0 {
		id := p.idleIDs[0]
		p.idleIDs = p.idleIDs[1:]
		if inst, ok := p.instances[id]; ok && inst.getState() == StateIdle {
			return inst
		}
	}
	return nil
}

func (p *Pool) removeIdleLocked(id string) {
	for i, existing := range p.idleIDs {
		if existing == id {
			p.idleIDs = append(p.idleIDs[:i], p.idleIDs[i+1:]...)
			return
		}
	}
}

func (p *Pool) nextWaiter() *waiter {
	for {
		w := p.queue.popFront()
		if w == nil {
			return nil
		}
		if time.Now().After(w.deadline) {
			w.deliver(waiterResult{err: ErrTimeout})
			continue
		}
		return w
	}
}

// handOffOrIdle is used when a waiter races a timeout: if the waiter
// already lost, the instance goes back to idle instead of vanishing.
func (p *Pool) handOffOrIdle(inst *managedInstance) {
	if inst == nil {
		return
	}
	p.pushIdle(inst)
}

func (p *Pool) recycleCooldownActive() bool {
	last, _ := p.lastRecycleAt.Load().(time.Time)
	return time.Since(last) < p.cfg.RecyclingCooldown
}
