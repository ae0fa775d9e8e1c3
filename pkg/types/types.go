package types

import (
	"time"
)

// Instance represents a single member of the fleet. Instances are stateless
// and interchangeable; identity is never reused after termination.
type Instance struct {
	ID           string
	Domain       string // failure domain (e.g., availability zone)
	Handle       string // platform-side identifier for collaborator calls
	Address      string // endpoint probes and the load balancer reach
	State        LifecycleState
	Registration RegistrationState
	Health       *HealthRecord
	CreatedAt    time.Time
}

// LifecycleState represents the lifecycle state of an instance
type LifecycleState string

const (
	StateProvisioning       LifecycleState = "provisioning"
	StateBooting            LifecycleState = "booting"
	StateHealthCheckPending LifecycleState = "health-check-pending"
	StateHealthy            LifecycleState = "healthy"
	StateUnhealthy          LifecycleState = "unhealthy"
	StateGracePeriod        LifecycleState = "grace-period"
	StateDraining           LifecycleState = "draining"
	StateTerminating        LifecycleState = "terminating"
	StateTerminated         LifecycleState = "terminated"
)

// transitions is the closed set of legal lifecycle transitions. Anything not
// listed here is rejected by the state store.
var transitions = map[LifecycleState][]LifecycleState{
	StateProvisioning:       {StateBooting, StateTerminating},
	StateBooting:            {StateHealthCheckPending, StateTerminating},
	StateHealthCheckPending: {StateHealthy, StateUnhealthy, StateTerminating},
	StateHealthy:            {StateUnhealthy, StateDraining, StateTerminating},
	StateUnhealthy:          {StateGracePeriod, StateHealthy, StateTerminating},
	StateGracePeriod:        {StateHealthy, StateTerminating},
	StateDraining:           {StateTerminating},
	StateTerminating:        {StateTerminated},
	StateTerminated:         {},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to LifecycleState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state is past the point of serving traffic.
// Terminal instances never count toward fleet capacity.
func (s LifecycleState) Terminal() bool {
	return s == StateTerminating || s == StateTerminated
}

// RegistrationState tracks load-balancer backend pool membership
type RegistrationState string

const (
	Registered    RegistrationState = "registered"
	NotRegistered RegistrationState = "not-registered"
)

// Verdict is the outcome of a single health probe
type Verdict string

const (
	// VerdictPass means the instance answered the probe with an acceptable status
	VerdictPass Verdict = "pass"

	// VerdictFail means the instance was reachable but returned a bad status
	// or timed out mid-response
	VerdictFail Verdict = "fail"

	// VerdictUnreachable means the connection could not be established at all
	VerdictUnreachable Verdict = "unreachable"
)

// Failing reports whether the verdict counts against the instance
func (v Verdict) Failing() bool {
	return v == VerdictFail || v == VerdictUnreachable
}

// ProbeResult is a single recorded probe outcome
type ProbeResult struct {
	Verdict   Verdict
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// HealthRecord holds the debounced health view of one instance: a ring of
// the most recent probe results plus the running streak counters the
// tracker's state machine operates on.
type HealthRecord struct {
	// Ring of the last RingSize results, newest last
	History []ProbeResult

	// RingSize bounds History
	RingSize int

	ConsecutivePasses   int
	ConsecutiveFailures int

	// GraceDeadline is set while the instance is in the grace period and is
	// evaluated against wall-clock time, not event arrival order
	GraceDeadline time.Time

	// EpisodeConfirmed is set once ConfirmedUnhealthy has been emitted for
	// the current failure episode, so it is never emitted twice
	EpisodeConfirmed bool
}

// NewHealthRecord creates an empty record with the given ring size
func NewHealthRecord(ringSize int) *HealthRecord {
	if ringSize <= 0 {
		ringSize = 10
	}
	return &HealthRecord{RingSize: ringSize}
}

// Observe appends a probe result and updates the streak counters
func (r *HealthRecord) Observe(res ProbeResult) {
	r.History = append(r.History, res)
	if len(r.History) > r.RingSize {
		r.History = r.History[len(r.History)-r.RingSize:]
	}

	if res.Verdict.Failing() {
		r.ConsecutiveFailures++
		r.ConsecutivePasses = 0
	} else {
		r.ConsecutivePasses++
		r.ConsecutiveFailures = 0
	}
}

// LastResult returns the most recent probe result, if any
func (r *HealthRecord) LastResult() (ProbeResult, bool) {
	if len(r.History) == 0 {
		return ProbeResult{}, false
	}
	return r.History[len(r.History)-1], true
}

// FleetSpec is the desired state of the fleet. It is immutable within a
// reconciliation cycle; the reconciler copies it at the top of each tick.
type FleetSpec struct {
	// Capacity is the desired number of non-terminal instances (>= 2)
	Capacity int

	// Domains is the set of eligible failure domains (>= 1)
	Domains []string
}

// FleetStatus is the read-only view exposed by the status query
type FleetStatus struct {
	Capacity  int              `json:"capacity"`
	Present   int              `json:"present"`
	Healthy   int              `json:"healthy"`
	ByDomain  map[string]int   `json:"by_domain"`
	Instances []InstanceStatus `json:"instances"`
	Converged bool             `json:"converged"`
}

// InstanceStatus is the per-instance slice of FleetStatus
type InstanceStatus struct {
	ID           string            `json:"id"`
	Domain       string            `json:"domain"`
	State        LifecycleState    `json:"state"`
	Registration RegistrationState `json:"registration"`
	CreatedAt    time.Time         `json:"created_at"`
	LastVerdict  Verdict           `json:"last_verdict,omitempty"`
	LastChecked  time.Time         `json:"last_checked,omitempty"`
	History      []Verdict         `json:"history,omitempty"`
}
