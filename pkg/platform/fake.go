package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/josh-at-icarite/shepherd/pkg/errdefs"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// FakePlatform is a deterministic in-memory Platform used by the dev
// runtime mode and by tests. Failures are injected per call site.
type FakePlatform struct {
	mu      sync.Mutex
	seq     int
	known   map[string]Handle
	deleted []string

	// CreateErr and DeleteErr, when set, are consulted before each call;
	// returning a non-nil error fails the call
	CreateErr func(domain string) error
	DeleteErr func(h Handle) error
}

// NewFakePlatform creates an empty fake platform
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{known: make(map[string]Handle)}
}

// CreateInstance implements Platform
func (p *FakePlatform) CreateInstance(ctx context.Context, domain string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, errdefs.Transient(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CreateErr != nil {
		if err := p.CreateErr(domain); err != nil {
			return Handle{}, err
		}
	}

	p.seq++
	h := Handle{
		ID:      fmt.Sprintf("i-%04d", p.seq),
		Domain:  domain,
		Address: fmt.Sprintf("10.0.%d.%d:8080", len(p.known)%250, p.seq%250),
	}
	p.known[h.ID] = h
	return h, nil
}

// DeleteInstance implements Platform
func (p *FakePlatform) DeleteInstance(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return errdefs.Transient(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.DeleteErr != nil {
		if err := p.DeleteErr(h); err != nil {
			return err
		}
	}

	if _, ok := p.known[h.ID]; !ok {
		return errdefs.Conflict(fmt.Errorf("instance %s not found", h.ID))
	}
	delete(p.known, h.ID)
	p.deleted = append(p.deleted, h.ID)
	return nil
}

// ListInstances implements Platform
func (p *FakePlatform) ListInstances(ctx context.Context) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Transient(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	handles := make([]Handle, 0, len(p.known))
	for _, h := range p.known {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles, nil
}

// Exists reports whether the platform still knows the instance
func (p *FakePlatform) Exists(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.known[id]
	return ok
}

// Deleted returns the ids deleted so far, in order
func (p *FakePlatform) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.deleted))
	copy(out, p.deleted)
	return out
}

// Seed inserts a pre-existing instance, for restart-adoption scenarios
func (p *FakePlatform) Seed(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known[h.ID] = h
}

// FakeLoadBalancer is an in-memory LoadBalancer recording the backend pool
type FakeLoadBalancer struct {
	mu      sync.Mutex
	pool    map[string]bool
	history []string

	RegisterErr   func(h Handle) error
	DeregisterErr func(h Handle) error
}

// NewFakeLoadBalancer creates an empty fake load balancer
func NewFakeLoadBalancer() *FakeLoadBalancer {
	return &FakeLoadBalancer{pool: make(map[string]bool)}
}

// Register implements LoadBalancer
func (lb *FakeLoadBalancer) Register(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return errdefs.Transient(err)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.RegisterErr != nil {
		if err := lb.RegisterErr(h); err != nil {
			return err
		}
	}

	lb.pool[h.ID] = true
	lb.history = append(lb.history, "register "+h.ID)
	return nil
}

// Deregister implements LoadBalancer
func (lb *FakeLoadBalancer) Deregister(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return errdefs.Transient(err)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.DeregisterErr != nil {
		if err := lb.DeregisterErr(h); err != nil {
			return err
		}
	}

	if !lb.pool[h.ID] {
		lb.history = append(lb.history, "deregister "+h.ID)
		return errdefs.Conflict(fmt.Errorf("backend %s not in pool", h.ID))
	}
	delete(lb.pool, h.ID)
	lb.history = append(lb.history, "deregister "+h.ID)
	return nil
}

// Backends returns the current pool membership, sorted
func (lb *FakeLoadBalancer) Backends() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]string, 0, len(lb.pool))
	for id := range lb.pool {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// History returns the ordered register/deregister call log
func (lb *FakeLoadBalancer) History() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]string, len(lb.history))
	copy(out, lb.history)
	return out
}

// FakeProber returns scripted verdicts per instance id; unscripted
// instances always pass
type FakeProber struct {
	mu      sync.Mutex
	scripts map[string][]types.Verdict
}

// NewFakeProber creates a fake prober with no scripts
func NewFakeProber() *FakeProber {
	return &FakeProber{scripts: make(map[string][]types.Verdict)}
}

// Script queues verdicts for an instance; once drained the prober reverts
// to Pass
func (fp *FakeProber) Script(id string, verdicts ...types.Verdict) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.scripts[id] = append(fp.scripts[id], verdicts...)
}

// Check implements Prober
func (fp *FakeProber) Check(ctx context.Context, h Handle) types.ProbeResult {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	verdict := types.VerdictPass
	if queue := fp.scripts[h.ID]; len(queue) > 0 {
		verdict = queue[0]
		fp.scripts[h.ID] = queue[1:]
	}

	return types.ProbeResult{
		Verdict:   verdict,
		Message:   "scripted",
		CheckedAt: time.Now(),
	}
}
