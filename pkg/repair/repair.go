package repair

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/josh-at-icarite/shepherd/pkg/events"
	"github.com/josh-at-icarite/shepherd/pkg/log"
	"github.com/josh-at-icarite/shepherd/pkg/metrics"
	"github.com/josh-at-icarite/shepherd/pkg/platform"
	"github.com/josh-at-icarite/shepherd/pkg/registrar"
	"github.com/josh-at-icarite/shepherd/pkg/retry"
	"github.com/josh-at-icarite/shepherd/pkg/state"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// Controller terminates instances whose failure episodes were confirmed by
// the tracker. Termination is issued at most once per episode: duplicate
// confirmations for an instance that is already Terminating or gone are
// ignored.
type Controller struct {
	store     *state.Store
	platform  platform.Platform
	registrar *registrar.Registrar
	broker    *events.Broker
	policy    retry.Policy
	timeout   time.Duration

	// cancelProbes stops the instance's probe loop and grace timer before
	// the delete command goes out
	cancelProbes func(instanceID string)

	confirmCh chan string
	inflight  map[string]bool
	mu        sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewController creates a repair controller
func NewController(store *state.Store, pf platform.Platform, reg *registrar.Registrar, broker *events.Broker, policy retry.Policy, timeout time.Duration, cancelProbes func(instanceID string)) *Controller {
	return &Controller{
		store:        store,
		platform:     pf,
		registrar:    reg,
		broker:       broker,
		policy:       policy,
		timeout:      timeout,
		cancelProbes: cancelProbes,
		confirmCh:    make(chan string, 32),
		inflight:     make(map[string]bool),
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("repair"),
	}
}

// Start begins consuming confirmed-unhealthy notifications
func (c *Controller) Start() {
	go c.run()
}

// Stop stops the controller and waits for in-flight repairs
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Confirm enqueues a confirmed-unhealthy instance for repair. Safe to call
// with duplicates.
func (c *Controller) Confirm(instanceID string) {
	select {
	case c.confirmCh <- instanceID:
	case <-c.stopCh:
	}
}

func (c *Controller) run() {
	for {
		select {
		case id := <-c.confirmCh:
			c.mu.Lock()
			if c.inflight[id] {
				c.mu.Unlock()
				continue
			}
			c.inflight[id] = true
			c.mu.Unlock()

			c.wg.Add(1)
			go func(instanceID string) {
				defer c.wg.Done()
				defer func() {
					c.mu.Lock()
					delete(c.inflight, instanceID)
					c.mu.Unlock()
				}()
				c.repair(instanceID)
			}(id)

		case <-c.stopCh:
			return
		}
	}
}

// repair terminates and removes one confirmed-unhealthy instance
func (c *Controller) repair(instanceID string) {
	inst, ok := c.store.Get(instanceID)
	if !ok || inst.State.Terminal() {
		// Duplicate confirmation or already being handled
		return
	}

	logger := c.logger.With().Str("instance_id", inst.ID).Str("domain", inst.Domain).Logger()
	logger.Warn().Msg("repairing confirmed-unhealthy instance")

	// Pull it out of the backend pool before anything else
	_ = c.registrar.Deregister(inst)

	if err := c.store.Transition(inst.ID, types.StateTerminating); err != nil {
		logger.Warn().Err(err).Msg("termination rejected")
		return
	}

	// No probes or grace timers may outlive the decision to terminate
	if c.cancelProbes != nil {
		c.cancelProbes(inst.ID)
	}

	if err := c.delete(inst); err != nil {
		metrics.RetriesExhausted.WithLabelValues("delete").Inc()
		logger.Error().Err(err).Msg("delete retries exhausted, instance left terminating for operator intervention")
		c.publish(&events.Event{
			Type:       events.EventFleetAlert,
			InstanceID: inst.ID,
			Domain:     inst.Domain,
			Message:    "delete retries exhausted: " + err.Error(),
		})
		// Left in Terminating: counted as in-flight removal, never toward
		// capacity, and never silently dropped
		return
	}

	if err := c.store.Transition(inst.ID, types.StateTerminated); err != nil {
		logger.Warn().Err(err).Msg("could not mark terminated")
		return
	}
	if err := c.store.Remove(inst.ID); err != nil {
		logger.Warn().Err(err).Msg("could not remove terminated instance")
		return
	}

	metrics.RepairsTotal.Inc()
	logger.Info().Msg("instance terminated, reconciler will replace it")
	c.publish(&events.Event{
		Type:       events.EventInstanceRepaired,
		InstanceID: inst.ID,
		Domain:     inst.Domain,
	})
}

// delete issues the platform delete with bounded backoff. A conflict
// (already deleted) counts as success.
func (c *Controller) delete(inst types.Instance) error {
	handle := platform.HandleFor(inst)
	return c.policy.Do(context.Background(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.platform.DeleteInstance(callCtx, handle)
	}, func(err error, next time.Duration) {
		c.logger.Warn().Err(err).Str("instance_id", inst.ID).Dur("retry_in", next).Msg("delete failed, retrying")
	})
}

func (c *Controller) publish(ev *events.Event) {
	if c.broker != nil {
		c.broker.Publish(ev)
	}
}
