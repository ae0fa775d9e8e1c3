package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/josh-at-icarite/shepherd/pkg/events"
	"github.com/josh-at-icarite/shepherd/pkg/log"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// Snapshotter persists instance records so a restarted controller can
// cross-check adopted instances against their last known state. Best
// effort: snapshot failures are logged, never fatal.
type Snapshotter interface {
	SaveInstance(inst *types.Instance) error
	DeleteInstance(id string) error
	LoadInstances() ([]*types.Instance, error)
	Close() error
}

// Store is the process-wide authoritative record of the fleet. All
// mutations go through its methods under a single mutex; the reconciler and
// repair controller are the only writers of lifecycle state, and every
// transition is validated against the lifecycle table before it is applied.
// Readers get copies, never live pointers.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*types.Instance
	broker    *events.Broker
	snap      Snapshotter
	ringSize  int
}

// NewStore creates an empty store publishing mutations on broker. snap may
// be nil for a purely in-memory store.
func NewStore(broker *events.Broker, snap Snapshotter, ringSize int) *Store {
	return &Store{
		instances: make(map[string]*types.Instance),
		broker:    broker,
		snap:      snap,
		ringSize:  ringSize,
	}
}

// Create records a brand-new instance in Provisioning before the platform
// call is issued, so concurrent reconciliation ticks never over-create.
// Identity is a fresh uuid; terminated ids are never reused.
func (s *Store) Create(domain string) types.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := &types.Instance{
		ID:           uuid.New().String(),
		Domain:       domain,
		State:        types.StateProvisioning,
		Registration: types.NotRegistered,
		Health:       types.NewHealthRecord(s.ringSize),
		CreatedAt:    time.Now(),
	}
	s.instances[inst.ID] = inst
	s.persist(inst)

	s.publish(&events.Event{
		Type:       events.EventInstanceCreated,
		InstanceID: inst.ID,
		Domain:     domain,
		To:         types.StateProvisioning,
	})
	return *cloneInstance(inst)
}

// Adopt records an instance discovered on the platform (startup with an
// empty or stale store). Adopted instances enter Booting so the prober must
// confirm them before they carry traffic.
func (s *Store) Adopt(handleID, domain, address string, createdAt time.Time) types.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	inst := &types.Instance{
		ID:           uuid.New().String(),
		Domain:       domain,
		Handle:       handleID,
		Address:      address,
		State:        types.StateBooting,
		Registration: types.NotRegistered,
		Health:       types.NewHealthRecord(s.ringSize),
		CreatedAt:    createdAt,
	}
	s.instances[inst.ID] = inst
	s.persist(inst)

	s.publish(&events.Event{
		Type:       events.EventInstanceAdopted,
		InstanceID: inst.ID,
		Domain:     domain,
		To:         types.StateBooting,
	})
	return *cloneInstance(inst)
}

// SetHandle records the platform handle once a create call succeeds
func (s *Store) SetHandle(id, handleID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	inst.Handle = handleID
	inst.Address = address
	s.persist(inst)
	return nil
}

// Transition moves an instance to a new lifecycle state. Transitions not in
// the lifecycle table are rejected; the caller decides whether that is a
// bug or a benign replay.
func (s *Store) Transition(id string, to types.LifecycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	from := inst.State
	if !types.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for instance %s", from, to, id)
	}
	inst.State = to
	s.persist(inst)

	s.publish(&events.Event{
		Type:       events.EventInstanceState,
		InstanceID: id,
		Domain:     inst.Domain,
		From:       from,
		To:         to,
	})
	return nil
}

// SetRegistration records backend pool membership
func (s *Store) SetRegistration(id string, reg types.RegistrationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	if inst.Registration == reg {
		return nil
	}
	inst.Registration = reg
	s.persist(inst)

	s.publish(&events.Event{
		Type:       events.EventInstanceRegistered,
		InstanceID: id,
		Domain:     inst.Domain,
		Message:    string(reg),
	})
	return nil
}

// UpdateHealth applies fn to the instance's health record under the store
// lock. Used by the prober to append results and by the tracker to manage
// grace deadlines and episode flags.
func (s *Store) UpdateHealth(id string, fn func(*types.HealthRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	fn(inst.Health)
	s.persist(inst)
	return nil
}

// Remove deletes a terminated instance from the store, freeing the
// reconciler to create a replacement
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	if inst.State != types.StateTerminated {
		return fmt.Errorf("cannot remove instance %s in state %s", id, inst.State)
	}
	delete(s.instances, id)
	if s.snap != nil {
		if err := s.snap.DeleteInstance(id); err != nil {
			logger := log.WithComponent("state")
			logger.Warn().Err(err).Str("instance_id", id).Msg("snapshot delete failed")
		}
	}
	return nil
}

// Get returns a copy of the instance
func (s *Store) Get(id string) (types.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return types.Instance{}, false
	}
	return *cloneInstance(inst), true
}

// List returns copies of all instances
func (s *Store) List() []types.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, *cloneInstance(inst))
	}
	return out
}

// Present counts instances that still count toward capacity. Instances in
// Terminating are in-flight removals, not present.
func (s *Store) Present() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, inst := range s.instances {
		if !inst.State.Terminal() {
			n++
		}
	}
	return n
}

// CountByDomain returns non-terminal instance counts for the given domains.
// Domains with no instances are included with a zero count.
func (s *Store) CountByDomain(domains []string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int, len(domains))
	for _, d := range domains {
		counts[d] = 0
	}
	for _, inst := range s.instances {
		if !inst.State.Terminal() {
			counts[inst.Domain]++
		}
	}
	return counts
}

// OccupancyByDomain counts every instance still recorded per domain,
// including in-flight removals. A Terminating instance occupies its domain
// slot until the platform delete completes, so replacement placement
// prefers the other domains.
func (s *Store) OccupancyByDomain(domains []string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int, len(domains))
	for _, d := range domains {
		counts[d] = 0
	}
	for _, inst := range s.instances {
		if inst.State != types.StateTerminated {
			counts[inst.Domain]++
		}
	}
	return counts
}

// Status builds the read-only fleet status view against the given spec
func (s *Store) Status(spec types.FleetSpec) types.FleetStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := types.FleetStatus{
		Capacity: spec.Capacity,
		ByDomain: make(map[string]int, len(spec.Domains)),
	}
	for _, d := range spec.Domains {
		status.ByDomain[d] = 0
	}

	for _, inst := range s.instances {
		is := types.InstanceStatus{
			ID:           inst.ID,
			Domain:       inst.Domain,
			State:        inst.State,
			Registration: inst.Registration,
			CreatedAt:    inst.CreatedAt,
		}
		for _, res := range inst.Health.History {
			is.History = append(is.History, res.Verdict)
		}
		if last, ok := inst.Health.LastResult(); ok {
			is.LastVerdict = last.Verdict
			is.LastChecked = last.CheckedAt
		}
		status.Instances = append(status.Instances, is)

		if !inst.State.Terminal() {
			status.Present++
			status.ByDomain[inst.Domain]++
		}
		if inst.State == types.StateHealthy {
			status.Healthy++
		}
	}

	status.Converged = status.Present == spec.Capacity && status.Healthy == spec.Capacity
	return status
}

func (s *Store) publish(ev *events.Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}

func (s *Store) persist(inst *types.Instance) {
	if s.snap == nil {
		return
	}
	if err := s.snap.SaveInstance(inst); err != nil {
		logger := log.WithComponent("state")
		logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("snapshot save failed")
	}
}

func cloneInstance(inst *types.Instance) *types.Instance {
	out := *inst
	if inst.Health != nil {
		health := *inst.Health
		health.History = append([]types.ProbeResult(nil), inst.Health.History...)
		out.Health = &health
	}
	return &out
}
