package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/josh-at-icarite/shepherd/pkg/config"
	"github.com/josh-at-icarite/shepherd/pkg/events"
	"github.com/josh-at-icarite/shepherd/pkg/log"
	"github.com/josh-at-icarite/shepherd/pkg/platform"
	"github.com/josh-at-icarite/shepherd/pkg/probe"
	"github.com/josh-at-icarite/shepherd/pkg/reconciler"
	"github.com/josh-at-icarite/shepherd/pkg/registrar"
	"github.com/josh-at-icarite/shepherd/pkg/repair"
	"github.com/josh-at-icarite/shepherd/pkg/retry"
	"github.com/josh-at-icarite/shepherd/pkg/state"
	"github.com/josh-at-icarite/shepherd/pkg/tracker"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// Controller wires the fleet components together: store, prober, tracker,
// repair controller, registrar, and capacity reconciler, all sharing one
// event broker and one retry policy.
type Controller struct {
	cfg *config.Config

	broker     *events.Broker
	store      *state.Store
	snap       state.Snapshotter
	registrar  *registrar.Registrar
	tracker    *tracker.Tracker
	monitor    *probe.Monitor
	repair     *repair.Controller
	reconciler *reconciler.Reconciler
	platform   platform.Platform

	ready    atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New builds a controller from validated configuration and the three
// collaborators
func New(cfg *config.Config, pf platform.Platform, lb platform.LoadBalancer, prober platform.Prober) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	broker := events.NewBroker()

	var snap state.Snapshotter
	if cfg.Store.DataDir != "" {
		var err error
		snap, err = state.NewBoltSnapshot(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open state snapshot: %w", err)
		}
	}

	store := state.NewStore(broker, snap, cfg.Health.HistorySize)
	policy := retry.Policy{
		Base:        cfg.Retry.Base.Std(),
		Factor:      cfg.Retry.Factor,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}
	callTimeout := cfg.Reconcile.CallTimeout.Std()

	reg := registrar.NewRegistrar(lb, store, broker, policy, callTimeout)

	// The tracker's confirmation callback feeds the repair controller,
	// which is constructed after it; the variable is bound by the closure.
	var rep *repair.Controller
	trk := tracker.NewTracker(store, reg, tracker.Config{
		GracePeriod:   cfg.Health.GracePeriod.Std(),
		FailThreshold: cfg.Health.FailThreshold,
		PassThreshold: cfg.Health.PassThreshold,
	}, func(instanceID string) {
		broker.Publish(&events.Event{
			Type:       events.EventInstanceConfirmed,
			InstanceID: instanceID,
		})
		rep.Confirm(instanceID)
	})

	mon := probe.NewMonitor(store, prober, trk, cfg.Probe.Interval.Std(), cfg.Probe.Timeout.Std())

	// Probe loops and grace timers die together, before any delete
	cancelProbes := func(instanceID string) {
		mon.Cancel(instanceID)
		trk.Cancel(instanceID)
	}

	rep = repair.NewController(store, pf, reg, broker, policy, callTimeout, cancelProbes)

	spec := types.FleetSpec{
		Capacity: cfg.Fleet.Capacity,
		Domains:  append([]string(nil), cfg.Fleet.Domains...),
	}
	rec := reconciler.NewReconciler(store, pf, reg, broker, spec, policy, cfg.Reconcile.Interval.Std(), callTimeout, cancelProbes)

	return &Controller{
		cfg:        cfg,
		broker:     broker,
		store:      store,
		snap:       snap,
		registrar:  reg,
		tracker:    trk,
		monitor:    mon,
		repair:     rep,
		reconciler: rec,
		platform:   pf,
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("controller"),
	}, nil
}

// Start adopts the platform's existing instances and starts every
// component. The store may start empty or stale; the platform inventory is
// authoritative.
func (c *Controller) Start(ctx context.Context) error {
	c.broker.Start()

	if err := c.adopt(ctx); err != nil {
		return fmt.Errorf("failed to adopt existing instances: %w", err)
	}

	c.monitor.Start()
	c.repair.Start()

	// Subscribe before the reconciler issues its first creates so no
	// lifecycle event is missed
	sub := c.broker.Subscribe()
	go c.watchEvents(sub)
	c.reconciler.Start()

	c.ready.Store(true)
	c.logger.Info().
		Int("capacity", c.cfg.Fleet.Capacity).
		Strs("domains", c.cfg.Fleet.Domains).
		Msg("fleet controller started")
	return nil
}

// Stop shuts the components down in dependency order
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.ready.Store(false)

	c.reconciler.Stop()
	c.monitor.Stop()
	c.repair.Stop()
	c.tracker.Stop()
	c.broker.Stop()
	if c.snap != nil {
		if err := c.snap.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to close state snapshot")
		}
	}
	c.logger.Info().Msg("fleet controller stopped")
}

// Ready reports whether startup adoption has completed
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Status returns the read-only fleet status
func (c *Controller) Status() types.FleetStatus {
	return c.store.Status(c.reconciler.Spec())
}

// SetCapacity changes the desired capacity at runtime
func (c *Controller) SetCapacity(n int) error {
	return c.reconciler.SetCapacity(n)
}

// Subscribe returns a fleet event subscription
func (c *Controller) Subscribe() events.Subscriber {
	return c.broker.Subscribe()
}

// Unsubscribe releases a subscription
func (c *Controller) Unsubscribe(sub events.Subscriber) {
	c.broker.Unsubscribe(sub)
}

// adopt rebuilds the store from the platform's actual inventory,
// recovering creation times from the snapshot where handles match
func (c *Controller) adopt(ctx context.Context) error {
	handles, err := c.platform.ListInstances(ctx)
	if err != nil {
		return err
	}

	remembered := make(map[string]*types.Instance)
	stale := make(map[string]string) // instance id -> handle
	if c.snap != nil {
		saved, err := c.snap.LoadInstances()
		if err != nil {
			c.logger.Warn().Err(err).Msg("could not load state snapshot, adopting fresh")
		}
		for _, inst := range saved {
			if inst.Handle != "" {
				remembered[inst.Handle] = inst
			}
			stale[inst.ID] = inst.Handle
		}
	}

	live := make(map[string]bool, len(handles))
	for _, h := range handles {
		live[h.ID] = true
		var createdAt time.Time
		if prev, ok := remembered[h.ID]; ok {
			createdAt = prev.CreatedAt
		}
		inst := c.store.Adopt(h.ID, h.Domain, h.Address, createdAt)
		c.logger.Info().
			Str("instance_id", inst.ID).
			Str("handle", h.ID).
			Str("domain", h.Domain).
			Msg("adopted existing instance")
	}

	// Drop snapshot records for instances the platform no longer has
	if c.snap != nil {
		for id, handle := range stale {
			if handle == "" || !live[handle] {
				_ = c.snap.DeleteInstance(id)
			}
		}
	}

	// Begin probing adopted instances immediately
	c.monitor.Sync()
	return nil
}

// watchEvents nudges the reconciler the moment capacity changes: an
// instance entering Terminating already stopped counting toward present,
// so its replacement can start while the delete is still in flight
func (c *Controller) watchEvents(sub events.Subscriber) {
	defer c.broker.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch {
			case ev.Type == events.EventInstanceRepaired:
				c.reconciler.Nudge()
			case ev.Type == events.EventInstanceState && ev.To == types.StateTerminating:
				c.reconciler.Nudge()
			case ev.Type == events.EventInstanceState && ev.To == types.StateBooting:
				// Begin probing a freshly provisioned instance right away
				c.monitor.Sync()
			}
		case <-c.stopCh:
			return
		}
	}
}
