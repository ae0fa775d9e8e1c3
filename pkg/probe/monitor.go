package probe

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/josh-at-icarite/shepherd/pkg/log"
	"github.com/josh-at-icarite/shepherd/pkg/metrics"
	"github.com/josh-at-icarite/shepherd/pkg/platform"
	"github.com/josh-at-icarite/shepherd/pkg/state"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// Observer consumes probe results. Implemented by the health state tracker.
type Observer interface {
	Observe(instanceID string, res types.ProbeResult)
}

// Monitor runs one independent probe loop per instance. Loops are started
// when an instance reaches Booting (advancing it to HealthCheckPending),
// run at a fixed interval, and are cancelled the moment the instance
// reaches Terminating or leaves the store.
type Monitor struct {
	store    *state.Store
	prober   platform.Prober
	observer Observer

	interval     time.Duration
	timeout      time.Duration
	syncInterval time.Duration

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewMonitor creates a monitor probing at interval with the given
// per-probe timeout
func NewMonitor(store *state.Store, prober platform.Prober, observer Observer, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		store:        store,
		prober:       prober,
		observer:     observer,
		interval:     interval,
		timeout:      timeout,
		syncInterval: 5 * time.Second,
		cancelFns:    make(map[string]context.CancelFunc),
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("probe"),
	}
}

// Start begins the monitor sync loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor and cancels all probe loops
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancelFns {
		cancel()
		delete(m.cancelFns, id)
	}
}

// Cancel stops the probe loop for one instance immediately. Called when
// the instance transitions to Terminating, before its id is removed.
func (m *Monitor) Cancel(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancelFns[instanceID]; ok {
		cancel()
		delete(m.cancelFns, instanceID)
	}
}

// Monitoring reports whether a probe loop is running for the instance
func (m *Monitor) Monitoring(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancelFns[instanceID]
	return ok
}

// Sync reconciles probe loops with the current instance set. Exported so
// the controller can force a pass after adoption.
func (m *Monitor) Sync() {
	current := make(map[string]types.Instance)
	for _, inst := range m.store.List() {
		current[inst.ID] = inst
	}

	m.mu.Lock()
	// Reap loops for instances that are gone or terminal
	for id, cancel := range m.cancelFns {
		inst, exists := current[id]
		if !exists || inst.State.Terminal() {
			cancel()
			delete(m.cancelFns, id)
		}
	}
	m.mu.Unlock()

	for id, inst := range current {
		if inst.State.Terminal() || inst.State == types.StateProvisioning {
			continue
		}
		if inst.Address == "" {
			continue // No endpoint to probe yet
		}
		if m.Monitoring(id) {
			continue
		}
		m.startLoop(inst)
	}
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	m.Sync()

	for {
		select {
		case <-ticker.C:
			m.Sync()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) startLoop(inst types.Instance) {
	// A freshly booted instance enters HealthCheckPending when its first
	// probe is scheduled
	if inst.State == types.StateBooting {
		if err := m.store.Transition(inst.ID, types.StateHealthCheckPending); err != nil {
			m.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("could not begin health checking")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if _, exists := m.cancelFns[inst.ID]; exists {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancelFns[inst.ID] = cancel
	m.mu.Unlock()

	m.logger.Debug().Str("instance_id", inst.ID).Str("domain", inst.Domain).Msg("starting probe loop")
	go m.probeLoop(ctx, inst)
}

func (m *Monitor) probeLoop(ctx context.Context, inst types.Instance) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Run initial probe immediately
	m.runProbe(ctx, inst)

	for {
		select {
		case <-ticker.C:
			m.runProbe(ctx, inst)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context, inst types.Instance) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	res := m.prober.Check(checkCtx, platform.HandleFor(inst))
	if ctx.Err() != nil {
		return // Cancelled mid-probe; the verdict no longer matters
	}

	metrics.ProbesTotal.WithLabelValues(string(res.Verdict)).Inc()
	m.observer.Observe(inst.ID, res)
}
