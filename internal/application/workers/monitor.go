package workers

import (
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dapo/pkg/ports"
	"go.uber.org/zap"
)

// Load is the worker load of one active execution
type Load struct {
	ExecutionID   string
	JobID         string
	Tasks         []Task
	RunningSteps  int
	SlotsInUse    int
	SlotsCapacity int
	TypeSlots     []TypeSlot
}

// LoadSource lists the load of every active execution
type LoadSource interface {
	Loads() []Load
}

// MonitorStatus aggregates the load of all active executions
type MonitorStatus struct {
	ActiveExecutions int
	RunningSteps     int
	SlotsInUse       int
	SlotsCapacity    int
	Saturated        bool
	// TypeSlots sums the limited type slots of every execution by type
	TypeSlots []TypeSlot
	Timestamp time.Time
}

// Monitor periodically logs and exports in-flight steps and limiter usage
type Monitor struct {
	source   LoadSource
	metrics  ports.MetricsCollector
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewMonitor creates a new monitor
func NewMonitor(source LoadSource, metrics ports.MetricsCollector, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		source:   source,
		metrics:  metrics,
		interval: interval,
		logger:   logger.Named("monitor"),
	}
}

// Start starts the monitor loop
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	go m.run(m.stopCh)
}

// Stop stops the monitor loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

func (m *Monitor) run(stopCh chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check samples the load once, logs it and records metrics
func (m *Monitor) Check() *MonitorStatus {
	status := m.GetStatus()

	m.metrics.SetActiveExecutions(status.ActiveExecutions)
	m.metrics.SetRunningSteps(status.RunningSteps)
	m.metrics.RecordLimiterUsage(status.SlotsInUse, status.SlotsCapacity)

	if status.ActiveExecutions == 0 {
		return status
	}

	m.logger.Info("worker load",
		zap.Int("active_executions", status.ActiveExecutions),
		zap.Int("running_steps", status.RunningSteps),
		zap.Int("slots_in_use", status.SlotsInUse),
		zap.Int("slots_capacity", status.SlotsCapacity))

	if status.Saturated {
		m.logger.Warn("every concurrency slot is in use",
			zap.Int("slots_capacity", status.SlotsCapacity))
	}
	for _, ts := range status.TypeSlots {
		if ts.InUse >= ts.Capacity {
			m.logger.Warn("every slot of step type is in use",
				zap.String("step_type", string(ts.Type)),
				zap.Int("slots_capacity", ts.Capacity))
		}
	}
	return status
}

// GetStatus returns the current aggregated load
func (m *Monitor) GetStatus() *MonitorStatus {
	loads := m.source.Loads()

	status := &MonitorStatus{
		ActiveExecutions: len(loads),
		Timestamp:        time.Now(),
	}
	byType := make(map[string]*TypeSlot)
	for _, l := range loads {
		status.RunningSteps += l.RunningSteps
		status.SlotsInUse += l.SlotsInUse
		status.SlotsCapacity += l.SlotsCapacity
		for _, ts := range l.TypeSlots {
			sum, ok := byType[string(ts.Type)]
			if !ok {
				sum = &TypeSlot{Type: ts.Type}
				byType[string(ts.Type)] = sum
			}
			sum.InUse += ts.InUse
			sum.Capacity += ts.Capacity
		}
	}
	status.Saturated = status.SlotsCapacity > 0 && status.SlotsInUse >= status.SlotsCapacity
	for _, ts := range byType {
		status.TypeSlots = append(status.TypeSlots, *ts)
	}
	sort.Slice(status.TypeSlots, func(i, j int) bool { return status.TypeSlots[i].Type < status.TypeSlots[j].Type })
	return status
}
