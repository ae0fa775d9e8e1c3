package repair

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-at-icarite/shepherd/pkg/errdefs"
	"github.com/josh-at-icarite/shepherd/pkg/platform"
	"github.com/josh-at-icarite/shepherd/pkg/registrar"
	"github.com/josh-at-icarite/shepherd/pkg/retry"
	"github.com/josh-at-icarite/shepherd/pkg/state"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

type fixture struct {
	store     *state.Store
	platform  *platform.FakePlatform
	lb        *platform.FakeLoadBalancer
	ctl       *Controller
	mu        sync.Mutex
	cancelled []string
}

func newFixture() *fixture {
	f := &fixture{
		store:    state.NewStore(nil, nil, 10),
		platform: platform.NewFakePlatform(),
		lb:       platform.NewFakeLoadBalancer(),
	}
	policy := retry.Policy{Base: time.Millisecond, Factor: 2, MaxAttempts: 3}
	reg := registrar.NewRegistrar(f.lb, f.store, nil, policy, time.Second)
	f.ctl = NewController(f.store, f.platform, reg, nil, policy, time.Second, func(id string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled = append(f.cancelled, id)
	})
	return f
}

func (f *fixture) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// seedConfirmed plants a registered instance sitting in its grace period,
// the state a confirmed episode arrives in
func (f *fixture) seedConfirmed(t *testing.T, handleID string) types.Instance {
	t.Helper()
	inst := f.store.Create("zone-a")
	require.NoError(t, f.store.SetHandle(inst.ID, handleID, "10.0.0.1:8080"))
	require.NoError(t, f.store.Transition(inst.ID, types.StateBooting))
	require.NoError(t, f.store.Transition(inst.ID, types.StateHealthCheckPending))
	require.NoError(t, f.store.Transition(inst.ID, types.StateHealthy))
	require.NoError(t, f.store.Transition(inst.ID, types.StateUnhealthy))
	require.NoError(t, f.store.Transition(inst.ID, types.StateGracePeriod))

	f.platform.Seed(platform.Handle{ID: handleID, Domain: "zone-a", Address: "10.0.0.1:8080"})
	require.NoError(t, f.lb.Register(context.Background(), platform.Handle{ID: handleID}))
	require.NoError(t, f.store.SetRegistration(inst.ID, types.Registered))

	got, ok := f.store.Get(inst.ID)
	require.True(t, ok)
	return got
}

func TestRepairTerminatesConfirmedInstance(t *testing.T) {
	f := newFixture()
	inst := f.seedConfirmed(t, "i-0001")

	f.ctl.Start()
	defer f.ctl.Stop()

	f.ctl.Confirm(inst.ID)

	require.Eventually(t, func() bool {
		_, ok := f.store.Get(inst.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "instance should be removed from the store")

	assert.Equal(t, []string{"i-0001"}, f.platform.Deleted())
	assert.Empty(t, f.lb.Backends(), "instance must leave the pool before deletion")
	assert.Contains(t, f.lb.History(), "deregister i-0001")
	assert.Equal(t, []string{inst.ID}, f.cancelledIDs())
}

func TestDuplicateConfirmationsAreIdempotent(t *testing.T) {
	f := newFixture()
	inst := f.seedConfirmed(t, "i-0001")

	f.ctl.Start()
	defer f.ctl.Stop()

	f.ctl.Confirm(inst.ID)
	f.ctl.Confirm(inst.ID)
	f.ctl.Confirm(inst.ID)

	require.Eventually(t, func() bool {
		_, ok := f.store.Get(inst.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	// Late duplicate for an instance that no longer exists
	f.ctl.Confirm(inst.ID)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"i-0001"}, f.platform.Deleted(), "exactly one delete command")
}

func TestDeleteExhaustionParksInstanceInTerminating(t *testing.T) {
	f := newFixture()
	inst := f.seedConfirmed(t, "i-0001")
	f.platform.DeleteErr = func(h platform.Handle) error {
		return errdefs.Transient(errors.New("api throttled"))
	}

	f.ctl.Start()
	defer f.ctl.Stop()

	f.ctl.Confirm(inst.ID)

	require.Eventually(t, func() bool {
		got, ok := f.store.Get(inst.ID)
		return ok && got.State == types.StateTerminating
	}, 2*time.Second, 5*time.Millisecond)

	// Parked for operator intervention: still recorded, never removed,
	// still present on the platform
	time.Sleep(50 * time.Millisecond)
	got, ok := f.store.Get(inst.ID)
	require.True(t, ok)
	assert.Equal(t, types.StateTerminating, got.State)
	assert.True(t, f.platform.Exists("i-0001"))
	assert.Empty(t, f.platform.Deleted())
}
