package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
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
	store    *state.Store
	platform *platform.FakePlatform
	lb       *platform.FakeLoadBalancer
	rec      *Reconciler
	seq      int
}

// newFixture builds a reconciler that is never started; tests drive
// Reconcile directly for determinism
func newFixture(capacity int, domains ...string) *fixture {
	f := &fixture{
		store:    state.NewStore(nil, nil, 10),
		platform: platform.NewFakePlatform(),
		lb:       platform.NewFakeLoadBalancer(),
	}
	policy := retry.Policy{Base: time.Millisecond, Factor: 2, MaxAttempts: 3}
	reg := registrar.NewRegistrar(f.lb, f.store, nil, policy, time.Second)
	spec := types.FleetSpec{Capacity: capacity, Domains: domains}
	f.rec = NewReconciler(f.store, f.platform, reg, nil, spec, policy, time.Hour, time.Second, nil)
	return f
}

// seedHealthy plants a healthy registered instance in domain. Seeds are
// ordered in time so age-based victim selection is deterministic.
func (f *fixture) seedHealthy(t *testing.T, domain string) types.Instance {
	t.Helper()
	f.seq++
	handleID := fmt.Sprintf("seed-%04d", f.seq)

	inst := f.store.Create(domain)
	require.NoError(t, f.store.SetHandle(inst.ID, handleID, "10.0.0.1:8080"))
	require.NoError(t, f.store.Transition(inst.ID, types.StateBooting))
	require.NoError(t, f.store.Transition(inst.ID, types.StateHealthCheckPending))
	require.NoError(t, f.store.Transition(inst.ID, types.StateHealthy))

	f.platform.Seed(platform.Handle{ID: handleID, Domain: domain, Address: "10.0.0.1:8080"})
	require.NoError(t, f.lb.Register(context.Background(), platform.Handle{ID: handleID}))
	require.NoError(t, f.store.SetRegistration(inst.ID, types.Registered))

	time.Sleep(2 * time.Millisecond) // distinct creation timestamps
	got, ok := f.store.Get(inst.ID)
	require.True(t, ok)
	return got
}

func (f *fixture) domains() []string {
	var out []string
	for _, inst := range f.store.List() {
		if !inst.State.Terminal() {
			out = append(out, inst.Domain)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fixture) allBooted() bool {
	for _, inst := range f.store.List() {
		if inst.State != types.StateBooting || inst.Handle == "" {
			return false
		}
	}
	return true
}

func TestScaleUpFromZero(t *testing.T) {
	f := newFixture(2, "zone-a", "zone-b", "zone-c")

	f.rec.Reconcile()

	assert.Equal(t, 2, f.store.Present(), "deficit filled within the tick")
	require.Eventually(t, f.allBooted, 2*time.Second, 5*time.Millisecond)

	// Least-populated placement with ties by domain id ascending
	assert.Equal(t, []string{"zone-a", "zone-b"}, f.domains())
}

func TestScaleUpSpreadsAcrossAllDomains(t *testing.T) {
	f := newFixture(3, "zone-a", "zone-b", "zone-c")

	f.rec.Reconcile()

	require.Eventually(t, f.allBooted, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"zone-a", "zone-b", "zone-c"}, f.domains())
}

func TestFailedCreateIsDiscardedAndRetriedNextTick(t *testing.T) {
	f := newFixture(2, "zone-a", "zone-b")

	failing := true
	f.platform.CreateErr = func(domain string) error {
		if failing {
			return errdefs.Transient(errors.New("quota exceeded"))
		}
		return nil
	}

	f.rec.Reconcile()
	require.Eventually(t, func() bool {
		return f.store.Present() == 0
	}, 2*time.Second, 5*time.Millisecond, "failed provisioning records are discarded")

	failing = false
	f.rec.Reconcile()
	require.Eventually(t, func() bool {
		return f.store.Present() == 2 && f.allBooted()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScaleDownDrainsYoungestInFullestDomain(t *testing.T) {
	f := newFixture(2, "zone-a", "zone-b")
	older := f.seedHealthy(t, "zone-a")
	younger := f.seedHealthy(t, "zone-a")
	other := f.seedHealthy(t, "zone-b")

	f.rec.Reconcile()

	require.Eventually(t, func() bool {
		_, ok := f.store.Get(younger.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "youngest instance in fullest domain is drained")

	assert.Equal(t, []string{younger.Handle}, f.platform.Deleted())
	assert.Contains(t, f.lb.History(), "deregister "+younger.Handle)

	_, ok := f.store.Get(older.ID)
	assert.True(t, ok)
	_, ok = f.store.Get(other.ID)
	assert.True(t, ok)
}

func TestRebalanceDrainsIneligibleDomain(t *testing.T) {
	f := newFixture(2, "zone-a", "zone-b")
	kept := f.seedHealthy(t, "zone-a")
	stray := f.seedHealthy(t, "zone-z")

	f.rec.Reconcile()

	require.Eventually(t, func() bool {
		_, ok := f.store.Get(stray.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "instance in ineligible domain is drained")

	// The next tick replaces it in the empty eligible domain
	f.rec.Reconcile()
	require.Eventually(t, func() bool {
		return f.store.Present() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"zone-a", "zone-b"}, f.domains())

	_, ok := f.store.Get(kept.ID)
	assert.True(t, ok)
}

func TestRebalanceCorrectsSkew(t *testing.T) {
	f := newFixture(3, "zone-a", "zone-b", "zone-c")
	f.seedHealthy(t, "zone-a")
	f.seedHealthy(t, "zone-a")
	victim := f.seedHealthy(t, "zone-a")

	f.rec.Reconcile()

	require.Eventually(t, func() bool {
		_, ok := f.store.Get(victim.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "youngest instance in the over-full domain is drained")

	f.rec.Reconcile()
	require.Eventually(t, func() bool {
		return f.store.Present() == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"zone-a", "zone-a", "zone-b"}, f.domains())
}

func TestRebalanceLeavesNearBalanceAlone(t *testing.T) {
	f := newFixture(3, "zone-a", "zone-b")
	a1 := f.seedHealthy(t, "zone-a")
	a2 := f.seedHealthy(t, "zone-a")
	b1 := f.seedHealthy(t, "zone-b")

	// 2 vs 1 is within tolerance; churning would not improve placement
	f.rec.Reconcile()
	time.Sleep(50 * time.Millisecond)

	for _, inst := range []types.Instance{a1, a2, b1} {
		_, ok := f.store.Get(inst.ID)
		assert.True(t, ok)
	}
	assert.Empty(t, f.platform.Deleted())
}

func TestSetCapacityValidation(t *testing.T) {
	f := newFixture(2, "zone-a", "zone-b")

	err := f.rec.SetCapacity(1)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
	assert.Equal(t, 2, f.rec.Spec().Capacity)

	require.NoError(t, f.rec.SetCapacity(4))
	assert.Equal(t, 4, f.rec.Spec().Capacity)
}
