package platform

import (
	"context"

	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// Handle identifies an instance on the compute platform. Address is what
// probes and the load balancer reach the instance at.
type Handle struct {
	ID      string
	Domain  string
	Address string
}

// Platform is the compute collaborator: it creates and deletes instances
// and can enumerate what actually exists. How instances boot or what they
// run is entirely its concern.
//
// Calls are independent per instance and may run fully in parallel. Every
// call must honor ctx; the controller attaches a caller-side timeout and
// treats expiry as a transient failure, never as success.
type Platform interface {
	// CreateInstance provisions a new instance in the given failure domain
	CreateInstance(ctx context.Context, domain string) (Handle, error)

	// DeleteInstance terminates the instance. Deleting an instance the
	// platform no longer knows must return a conflict error
	// (errdefs.IsConflict), which callers treat as success.
	DeleteInstance(ctx context.Context, h Handle) error

	// ListInstances enumerates the instances that actually exist, used to
	// rebuild the fleet store on startup
	ListInstances(ctx context.Context) ([]Handle, error)
}

// LoadBalancer is the backend pool collaborator
type LoadBalancer interface {
	// Register adds the instance to the backend pool
	Register(ctx context.Context, h Handle) error

	// Deregister removes the instance from the backend pool. Deregistering
	// an absent instance is a conflict, treated as success.
	Deregister(ctx context.Context, h Handle) error
}

// Prober issues a single liveness check against an instance. Check is a
// bounded-latency call: implementations must respect ctx and report
// failures as verdicts, never as controller errors.
type Prober interface {
	Check(ctx context.Context, h Handle) types.ProbeResult
}

// HandleFor reconstructs the platform handle recorded on an instance
func HandleFor(inst types.Instance) Handle {
	return Handle{ID: inst.Handle, Domain: inst.Domain, Address: inst.Address}
}
