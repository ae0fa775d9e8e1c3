package registrar

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/josh-at-icarite/shepherd/pkg/events"
	"github.com/josh-at-icarite/shepherd/pkg/log"
	"github.com/josh-at-icarite/shepherd/pkg/metrics"
	"github.com/josh-at-icarite/shepherd/pkg/platform"
	"github.com/josh-at-icarite/shepherd/pkg/retry"
	"github.com/josh-at-icarite/shepherd/pkg/state"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// Registrar keeps the load-balancer backend pool synchronized with
// lifecycle state: an instance is in the pool iff it is Healthy. Register
// and deregister calls are retried with the shared backoff policy; a final
// failure raises an alert but never blocks the lifecycle transition that
// triggered it.
type Registrar struct {
	lb      platform.LoadBalancer
	store   *state.Store
	broker  *events.Broker
	policy  retry.Policy
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRegistrar creates a registrar with the given retry policy and
// per-attempt call timeout
func NewRegistrar(lb platform.LoadBalancer, store *state.Store, broker *events.Broker, policy retry.Policy, timeout time.Duration) *Registrar {
	return &Registrar{
		lb:      lb,
		store:   store,
		broker:  broker,
		policy:  policy,
		timeout: timeout,
		logger:  log.WithComponent("registrar"),
	}
}

// InstanceHealthy adds a newly confirmed instance to the backend pool
func (r *Registrar) InstanceHealthy(inst types.Instance) {
	handle := platform.HandleFor(inst)

	err := r.policy.Do(context.Background(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.lb.Register(callCtx, handle)
	}, r.notify("register", inst.ID))

	if err != nil {
		r.alert("register", inst.ID, err)
		return
	}

	if err := r.store.SetRegistration(inst.ID, types.Registered); err != nil {
		r.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("could not record registration")
		return
	}
	r.logger.Info().Str("instance_id", inst.ID).Str("domain", inst.Domain).Msg("instance registered with backend pool")
}

// InstanceUnhealthy removes an instance that left Healthy from the pool
func (r *Registrar) InstanceUnhealthy(inst types.Instance) {
	_ = r.Deregister(inst)
}

// Deregister removes the instance from the backend pool synchronously.
// Callers that are about to issue a delete command use this directly so
// traffic never reaches an instance slated for termination. Deregistering
// an instance that was never registered succeeds trivially.
func (r *Registrar) Deregister(inst types.Instance) error {
	if inst.Registration != types.Registered {
		return nil
	}
	handle := platform.HandleFor(inst)

	err := r.policy.Do(context.Background(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.lb.Deregister(callCtx, handle)
	}, r.notify("deregister", inst.ID))

	if err != nil {
		r.alert("deregister", inst.ID, err)
		return err
	}

	if err := r.store.SetRegistration(inst.ID, types.NotRegistered); err != nil {
		r.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("could not record deregistration")
	}
	r.logger.Info().Str("instance_id", inst.ID).Str("domain", inst.Domain).Msg("instance removed from backend pool")
	return nil
}

func (r *Registrar) notify(op, instanceID string) retry.Notify {
	return func(err error, next time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("instance_id", instanceID).
			Dur("retry_in", next).
			Msgf("%s failed, retrying", op)
	}
}

func (r *Registrar) alert(op, instanceID string, err error) {
	metrics.RetriesExhausted.WithLabelValues(op).Inc()
	r.logger.Error().Err(err).Str("instance_id", instanceID).Msgf("%s retries exhausted", op)
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:       events.EventFleetAlert,
			InstanceID: instanceID,
			Message:    op + " retries exhausted: " + err.Error(),
		})
	}
}
