package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/muqo16/browserctl/internal/driver"
)

// managedInstance wraps a driver.Instance with the pool-owned state
// machine, usage counters, and health score from spec.md 4.C's
// BrowserInstance type.
type managedInstance struct {
	driver.Instance

	id string

	mu          sync.Mutex
	state       State
	acquiredBy  string
	pageCount   int32
	useCount    int32
	createdAt   time.Time
	lastUsedAt  time.Time
	errorCount  int32
	healthScore float64
	memoryMB    float64
	cpuPercent  float64

	recycledAt time.Time
}

func newManagedInstance(inst driver.Instance) *managedInstance {
	now := time.Now()
	return &managedInstance{
		Instance:    inst,
		id:          inst.ID(),
		state:       StateStarting,
		createdAt:   now,
		lastUsedAt:  now,
		healthScore: 1.0,
	}
}

func (m *managedInstance) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *managedInstance) getState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *managedInstance) markAcquired(sessionID string) {
	m.mu.Lock()
	m.state = StateActive
	m.acquiredBy = sessionID
	m.lastUsedAt = time.Now()
	atomic.AddInt32(&m.useCount, 1)
	m.mu.Unlock()
}

func (m *managedInstance) markIdle() {
	m.mu.Lock()
	m.state = StateIdle
	m.acquiredBy = ""
	m.lastUsedAt = time.Now()
	m.mu.Unlock()
}

func (m *managedInstance) age() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.createdAt)
}

func (m *managedInstance) idleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastUsedAt)
}

func (m *managedInstance) snapshot() InstanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return InstanceSnapshot{
		ID:          m.id,
		State:       m.state,
		AcquiredBy:  m.acquiredBy,
		PageCount:   m.pageCount,
		UseCount:    atomic.LoadInt32(&m.useCount),
		CreatedAt:   m.createdAt,
		LastUsedAt:  m.lastUsedAt,
		ErrorCount:  m.errorCount,
		HealthScore: m.healthScore,
		MemoryMB:    m.memoryMB,
		CPUPercent:  m.cpuPercent,
	}
}

// recordResourceUsage stores the most recent sample from
// driver.ResourceUsage for use by the recycling scorers.
func (m *managedInstance) recordResourceUsage(memMB, cpuPercent float64) {
	m.mu.Lock()
	m.memoryMB = memMB
	m.cpuPercent = cpuPercent
	m.mu.Unlock()
}

// InstanceSnapshot is a read-only, race-free view of a managedInstance
// for metrics and recycling-decision purposes.
type InstanceSnapshot struct {
	ID          string
	State       State
	AcquiredBy  string
	PageCount   int32
	UseCount    int32
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ErrorCount  int32
	HealthScore float64
	MemoryMB    float64
	CPUPercent  float64
}
