package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/josh-at-icarite/shepherd/pkg/log"
	"github.com/josh-at-icarite/shepherd/pkg/metrics"
	"github.com/josh-at-icarite/shepherd/pkg/state"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// Registrar reacts to instances entering and leaving Healthy. Implemented
// by pkg/registrar; declared here so the tracker stays decoupled from the
// load-balancer collaborator.
type Registrar interface {
	InstanceHealthy(inst types.Instance)
	InstanceUnhealthy(inst types.Instance)
}

// Config holds the debouncing policy. The grace window absorbs a newly
// booted instance's slow start; the entry threshold catches real outages
// promptly. The two are independently tunable.
type Config struct {
	// GracePeriod is the self-recovery window after failure detection
	GracePeriod time.Duration

	// FailThreshold is the number of consecutive failing verdicts that
	// opens a failure episode
	FailThreshold int

	// PassThreshold is the number of consecutive passing verdicts that
	// confirms readiness or closes an episode
	PassThreshold int
}

// DefaultConfig mirrors the documented defaults: a 10 minute grace window
// entered after 2 failing probes, exited after 2 passing ones.
func DefaultConfig() Config {
	return Config{
		GracePeriod:   10 * time.Minute,
		FailThreshold: 2,
		PassThreshold: 2,
	}
}

// Tracker converts per-instance verdict streams into debounced health
// state. It owns the grace-period timers and emits exactly one
// confirmed-unhealthy notification per failure episode.
type Tracker struct {
	store     *state.Store
	registrar Registrar
	config    Config

	// onConfirmed receives the instance id of each confirmed failure
	// episode, exactly once per episode
	onConfirmed func(instanceID string)

	mu     sync.Mutex
	timers map[string]*time.Timer

	logger zerolog.Logger
}

// NewTracker creates a tracker applying config to every instance
func NewTracker(store *state.Store, registrar Registrar, config Config, onConfirmed func(instanceID string)) *Tracker {
	return &Tracker{
		store:       store,
		registrar:   registrar,
		config:      config,
		onConfirmed: onConfirmed,
		timers:      make(map[string]*time.Timer),
		logger:      log.WithComponent("tracker"),
	}
}

// Observe feeds one probe result into the state machine. Called from the
// instance's probe loop, so observations for a given instance arrive in
// generation order.
func (t *Tracker) Observe(instanceID string, res types.ProbeResult) {
	if err := t.store.UpdateHealth(instanceID, func(r *types.HealthRecord) {
		r.Observe(res)
	}); err != nil {
		return // Instance already removed
	}

	inst, ok := t.store.Get(instanceID)
	if !ok || inst.State.Terminal() {
		return
	}

	switch inst.State {
	case types.StateHealthCheckPending:
		if inst.Health.ConsecutivePasses >= t.config.PassThreshold {
			t.confirmReady(inst)
		} else if inst.Health.ConsecutiveFailures >= t.config.FailThreshold {
			t.openEpisode(inst)
		}

	case types.StateHealthy:
		if inst.Health.ConsecutiveFailures >= t.config.FailThreshold {
			t.registrar.InstanceUnhealthy(inst)
			t.openEpisode(inst)
		}

	case types.StateGracePeriod:
		if inst.Health.ConsecutivePasses >= t.config.PassThreshold {
			t.recover(inst)
		} else if !inst.Health.GraceDeadline.IsZero() && time.Now().After(inst.Health.GraceDeadline) {
			// Deadline is wall-clock; confirm here too in case the timer
			// was starved by bursty event delivery
			t.confirm(instanceID)
		}
	}
}

// Cancel drops the grace timer for an instance. Must be called before the
// instance is removed so no timer fires against an absent id.
func (t *Tracker) Cancel(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[instanceID]; ok {
		timer.Stop()
		delete(t.timers, instanceID)
	}
}

// Stop cancels all grace timers
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// confirmReady promotes an instance that passed its readiness probes
func (t *Tracker) confirmReady(inst types.Instance) {
	if err := t.store.Transition(inst.ID, types.StateHealthy); err != nil {
		t.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("readiness promotion rejected")
		return
	}
	t.logger.Info().Str("instance_id", inst.ID).Str("domain", inst.Domain).Msg("instance healthy")

	if fresh, ok := t.store.Get(inst.ID); ok {
		t.registrar.InstanceHealthy(fresh)
	}
}

// openEpisode moves a failing instance into the grace period and arms the
// expiry timer
func (t *Tracker) openEpisode(inst types.Instance) {
	if err := t.store.Transition(inst.ID, types.StateUnhealthy); err != nil {
		t.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("failure episode rejected")
		return
	}
	if err := t.store.Transition(inst.ID, types.StateGracePeriod); err != nil {
		t.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("grace entry rejected")
		return
	}

	deadline := time.Now().Add(t.config.GracePeriod)
	_ = t.store.UpdateHealth(inst.ID, func(r *types.HealthRecord) {
		r.GraceDeadline = deadline
		r.EpisodeConfirmed = false
	})

	t.logger.Warn().
		Str("instance_id", inst.ID).
		Str("domain", inst.Domain).
		Time("deadline", deadline).
		Int("consecutive_failures", inst.Health.ConsecutiveFailures).
		Msg("instance entered grace period")

	t.mu.Lock()
	if old, ok := t.timers[inst.ID]; ok {
		old.Stop()
	}
	t.timers[inst.ID] = time.AfterFunc(t.config.GracePeriod, func() {
		t.expire(inst.ID)
	})
	t.mu.Unlock()
}

// recover closes an episode whose instance produced a qualifying pass
// streak before the grace deadline
func (t *Tracker) recover(inst types.Instance) {
	t.Cancel(inst.ID)

	if err := t.store.Transition(inst.ID, types.StateHealthy); err != nil {
		t.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("grace recovery rejected")
		return
	}
	_ = t.store.UpdateHealth(inst.ID, func(r *types.HealthRecord) {
		r.GraceDeadline = time.Time{}
		r.EpisodeConfirmed = false
	})

	metrics.GraceRecoveries.Inc()
	t.logger.Info().Str("instance_id", inst.ID).Str("domain", inst.Domain).Msg("instance recovered within grace period")

	if fresh, ok := t.store.Get(inst.ID); ok {
		t.registrar.InstanceHealthy(fresh)
	}
}

// expire fires when a grace timer elapses
func (t *Tracker) expire(instanceID string) {
	inst, ok := t.store.Get(instanceID)
	if !ok || inst.State != types.StateGracePeriod {
		return
	}
	if !inst.Health.GraceDeadline.IsZero() && time.Now().Before(inst.Health.GraceDeadline) {
		// Timer fired early relative to the recorded deadline; re-arm for
		// the remainder
		remaining := time.Until(inst.Health.GraceDeadline)
		t.mu.Lock()
		t.timers[instanceID] = time.AfterFunc(remaining, func() { t.expire(instanceID) })
		t.mu.Unlock()
		return
	}
	t.confirm(instanceID)
}

// confirm emits the confirmed-unhealthy notification, exactly once per
// episode
func (t *Tracker) confirm(instanceID string) {
	already := false
	if err := t.store.UpdateHealth(instanceID, func(r *types.HealthRecord) {
		if r.EpisodeConfirmed {
			already = true
			return
		}
		r.EpisodeConfirmed = true
	}); err != nil {
		return
	}
	if already {
		return
	}

	t.Cancel(instanceID)
	t.logger.Error().Str("instance_id", instanceID).Msg("instance confirmed unhealthy")

	if t.onConfirmed != nil {
		t.onConfirmed(instanceID)
	}
}
