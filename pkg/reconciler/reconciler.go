package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/josh-at-icarite/shepherd/pkg/errdefs"
	"github.com/josh-at-icarite/shepherd/pkg/events"
	"github.com/josh-at-icarite/shepherd/pkg/log"
	"github.com/josh-at-icarite/shepherd/pkg/metrics"
	"github.com/josh-at-icarite/shepherd/pkg/platform"
	"github.com/josh-at-icarite/shepherd/pkg/registrar"
	"github.com/josh-at-icarite/shepherd/pkg/retry"
	"github.com/josh-at-icarite/shepherd/pkg/state"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// Reconciler is the capacity control loop: each tick it compares desired
// capacity and placement against the observed instance set and issues
// create and delete commands to converge. It is level-triggered; a failed
// operation is simply retried on the next tick.
type Reconciler struct {
	store     *state.Store
	platform  platform.Platform
	registrar *registrar.Registrar
	broker    *events.Broker
	policy    retry.Policy

	interval    time.Duration
	callTimeout time.Duration

	// cancelProbes stops a drained instance's probe loop and grace timer
	cancelProbes func(instanceID string)

	mu   sync.RWMutex
	spec types.FleetSpec

	lastConverged bool

	nudgeCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewReconciler creates a reconciler for the given desired state
func NewReconciler(store *state.Store, pf platform.Platform, reg *registrar.Registrar, broker *events.Broker, spec types.FleetSpec, policy retry.Policy, interval, callTimeout time.Duration, cancelProbes func(instanceID string)) *Reconciler {
	return &Reconciler{
		store:        store,
		platform:     pf,
		registrar:    reg,
		broker:       broker,
		policy:       policy,
		interval:     interval,
		callTimeout:  callTimeout,
		cancelProbes: cancelProbes,
		spec:         spec,
		nudgeCh:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Nudge requests an immediate reconciliation pass without waiting for the
// next tick. Non-blocking; coalesces with a pending nudge.
func (r *Reconciler) Nudge() {
	select {
	case r.nudgeCh <- struct{}{}:
	default:
	}
}

// Spec returns the current desired state
func (r *Reconciler) Spec() types.FleetSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.spec
	out.Domains = append([]string(nil), r.spec.Domains...)
	return out
}

// SetCapacity changes the desired capacity. Applies from the next tick.
func (r *Reconciler) SetCapacity(n int) error {
	if n < 2 {
		return errdefs.Configuration("fleet capacity must be >= 2, got %d", n)
	}
	r.mu.Lock()
	r.spec.Capacity = n
	r.mu.Unlock()
	r.Nudge()
	return nil
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Reconcile()

	for {
		select {
		case <-ticker.C:
			r.Reconcile()
		case <-r.nudgeCh:
			r.Reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one reconciliation cycle. Creations and removals are
// mutually exclusive within a cycle (a deficit and a surplus cannot both
// hold), so the loop never creates and deletes in the same domain in one
// tick except through the rebalance path, which only runs at exact
// capacity.
func (r *Reconciler) Reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	spec := r.Spec()
	present := r.store.Present()

	metrics.FleetCapacity.Set(float64(spec.Capacity))
	metrics.FleetPresent.Set(float64(present))
	r.updateStateGauges()

	switch {
	case present < spec.Capacity:
		r.scaleUp(spec, spec.Capacity-present)
	case present > spec.Capacity:
		r.scaleDown(spec, present-spec.Capacity)
	default:
		r.rebalance(spec)
	}

	r.reportConvergence(spec)
}

// scaleUp fills a deficit, placing each new instance in the eligible
// domain with the fewest non-terminal instances (ties by domain id
// ascending). The instance is recorded in Provisioning before the platform
// call goes out so concurrent ticks cannot over-create.
func (r *Reconciler) scaleUp(spec types.FleetSpec, deficit int) {
	// Placement uses occupancy, not presence: an instance whose delete is
	// still in flight keeps its domain slot, so its replacement lands in a
	// different domain when one is free
	counts := r.store.OccupancyByDomain(spec.Domains)

	for i := 0; i < deficit; i++ {
		domain := leastPopulated(spec.Domains, counts)
		counts[domain]++

		inst := r.store.Create(domain)
		metrics.InstancesCreated.WithLabelValues(domain).Inc()
		r.logger.Info().
			Str("instance_id", inst.ID).
			Str("domain", domain).
			Int("deficit", deficit-i).
			Msg("creating instance")

		go r.provision(inst)
	}
}

// provision issues the platform create for an already-recorded instance
func (r *Reconciler) provision(inst types.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()

	handle, err := r.platform.CreateInstance(ctx, inst.Domain)
	if err != nil {
		r.logger.Error().Err(err).Str("instance_id", inst.ID).Str("domain", inst.Domain).Msg("create failed, will retry next tick")
		r.discard(inst.ID)
		r.Nudge()
		return
	}

	if err := r.store.SetHandle(inst.ID, handle.ID, handle.Address); err != nil {
		// The record vanished while the create was in flight; don't leak
		// the platform instance
		r.orphan(handle)
		return
	}
	if err := r.store.Transition(inst.ID, types.StateBooting); err != nil {
		r.orphan(handle)
		return
	}

	r.logger.Info().Str("instance_id", inst.ID).Str("handle", handle.ID).Str("domain", inst.Domain).Msg("instance booting")
}

// discard removes a provisioning record whose create never materialized
func (r *Reconciler) discard(instanceID string) {
	if err := r.store.Transition(instanceID, types.StateTerminating); err != nil {
		return
	}
	if err := r.store.Transition(instanceID, types.StateTerminated); err != nil {
		return
	}
	_ = r.store.Remove(instanceID)
}

// orphan deletes a platform instance whose store record is gone
func (r *Reconciler) orphan(handle platform.Handle) {
	r.logger.Warn().Str("handle", handle.ID).Msg("deleting orphaned platform instance")
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()
	if err := r.platform.DeleteInstance(ctx, handle); err != nil && !errdefs.IsConflict(err) {
		r.logger.Error().Err(err).Str("handle", handle.ID).Msg("orphan delete failed")
	}
}

// scaleDown removes a surplus after the operator lowered capacity,
// preferring the fullest domains and, within a domain, the youngest
// instances.
func (r *Reconciler) scaleDown(spec types.FleetSpec, surplus int) {
	instances := r.store.List()
	counts := make(map[string]int)
	byDomain := make(map[string][]types.Instance)
	for _, inst := range instances {
		if inst.State.Terminal() {
			continue
		}
		counts[inst.Domain]++
		byDomain[inst.Domain] = append(byDomain[inst.Domain], inst)
	}
	for _, list := range byDomain {
		sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	}

	for i := 0; i < surplus; i++ {
		domain := mostPopulated(counts)
		if domain == "" || len(byDomain[domain]) == 0 {
			return
		}
		victim := byDomain[domain][0]
		byDomain[domain] = byDomain[domain][1:]
		counts[domain]--

		r.logger.Info().Str("instance_id", victim.ID).Str("domain", domain).Msg("draining surplus instance")
		r.drain(victim)
	}
}

// rebalance corrects placement skew at exact capacity: draining one
// instance from an over-full or ineligible domain frees the next tick to
// create its replacement in the emptiest eligible domain.
func (r *Reconciler) rebalance(spec types.FleetSpec) {
	eligible := make(map[string]bool, len(spec.Domains))
	for _, d := range spec.Domains {
		eligible[d] = true
	}

	var stray *types.Instance
	counts := r.store.CountByDomain(spec.Domains)
	for _, inst := range r.store.List() {
		if inst.State.Terminal() {
			continue
		}
		if !eligible[inst.Domain] {
			inst := inst
			stray = &inst
			break
		}
	}

	if stray != nil {
		r.logger.Info().Str("instance_id", stray.ID).Str("domain", stray.Domain).Msg("draining instance from ineligible domain")
		r.drain(*stray)
		return
	}

	// Spread correction only makes sense when every domain can hold at
	// least one instance
	if spec.Capacity < len(spec.Domains) {
		return
	}

	max, min := -1, -1
	var fullest string
	for _, d := range spec.Domains {
		c := counts[d]
		if max == -1 || c > max {
			max, fullest = c, d
		}
		if min == -1 || c < min {
			min = c
		}
	}
	if max-min <= 1 {
		return
	}

	victims := make([]types.Instance, 0)
	for _, inst := range r.store.List() {
		if !inst.State.Terminal() && inst.Domain == fullest {
			victims = append(victims, inst)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].CreatedAt.After(victims[j].CreatedAt) })
	if len(victims) == 0 {
		return
	}

	r.logger.Info().
		Str("instance_id", victims[0].ID).
		Str("domain", fullest).
		Int("imbalance", max-min).
		Msg("draining instance to restore balance")
	r.drain(victims[0])
}

// drain voluntarily removes one instance: deregister before the delete
// command, probes cancelled, platform delete with bounded backoff
func (r *Reconciler) drain(inst types.Instance) {
	if inst.State == types.StateHealthy {
		if err := r.store.Transition(inst.ID, types.StateDraining); err != nil {
			r.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("drain rejected")
			return
		}
		if fresh, ok := r.store.Get(inst.ID); ok {
			_ = r.registrar.Deregister(fresh)
		}
		if err := r.store.Transition(inst.ID, types.StateTerminating); err != nil {
			r.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("drain termination rejected")
			return
		}
	} else {
		_ = r.registrar.Deregister(inst)
		if err := r.store.Transition(inst.ID, types.StateTerminating); err != nil {
			r.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("drain rejected")
			return
		}
	}

	if r.cancelProbes != nil {
		r.cancelProbes(inst.ID)
	}
	metrics.InstancesDrained.WithLabelValues(inst.Domain).Inc()

	go r.terminate(inst)
}

// terminate issues the platform delete for a draining instance
func (r *Reconciler) terminate(inst types.Instance) {
	handle := platform.HandleFor(inst)
	err := r.policy.Do(context.Background(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		return r.platform.DeleteInstance(callCtx, handle)
	}, func(err error, next time.Duration) {
		r.logger.Warn().Err(err).Str("instance_id", inst.ID).Dur("retry_in", next).Msg("delete failed, retrying")
	})
	if err != nil {
		metrics.RetriesExhausted.WithLabelValues("delete").Inc()
		r.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("delete retries exhausted, instance left terminating")
		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:       events.EventFleetAlert,
				InstanceID: inst.ID,
				Domain:     inst.Domain,
				Message:    "delete retries exhausted: " + err.Error(),
			})
		}
		return
	}

	if err := r.store.Transition(inst.ID, types.StateTerminated); err != nil {
		return
	}
	_ = r.store.Remove(inst.ID)
	r.Nudge()
}

func (r *Reconciler) reportConvergence(spec types.FleetSpec) {
	status := r.store.Status(spec)
	if status.Converged && !r.lastConverged {
		r.logger.Info().Int("capacity", spec.Capacity).Msg("fleet converged")
		if r.broker != nil {
			r.broker.Publish(&events.Event{Type: events.EventFleetConverged})
		}
	}
	r.lastConverged = status.Converged
}

func (r *Reconciler) updateStateGauges() {
	byState := make(map[types.LifecycleState]map[string]int)
	registered := 0
	for _, inst := range r.store.List() {
		if byState[inst.State] == nil {
			byState[inst.State] = make(map[string]int)
		}
		byState[inst.State][inst.Domain]++
		if inst.Registration == types.Registered {
			registered++
		}
	}
	metrics.InstancesTotal.Reset()
	for st, domains := range byState {
		for domain, count := range domains {
			metrics.InstancesTotal.WithLabelValues(string(st), domain).Set(float64(count))
		}
	}
	metrics.BackendPoolSize.Set(float64(registered))
}

// leastPopulated returns the domain with the fewest instances, ties broken
// by domain id ascending
func leastPopulated(domains []string, counts map[string]int) string {
	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)

	best := sorted[0]
	for _, d := range sorted[1:] {
		if counts[d] < counts[best] {
			best = d
		}
	}
	return best
}

// mostPopulated returns the domain with the most instances, ties broken by
// domain id ascending. Empty string when there are no instances.
func mostPopulated(counts map[string]int) string {
	domains := make([]string, 0, len(counts))
	for d := range counts {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	best := ""
	for _, d := range domains {
		if counts[d] == 0 {
			continue
		}
		if best == "" || counts[d] > counts[best] {
			best = d
		}
	}
	return best
}
