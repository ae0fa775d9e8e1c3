/*
Package types defines the shared data model for the Shepherd fleet controller.

The central type is Instance, the process-wide record of one fleet member:
its identity, failure-domain placement, lifecycle state, health record, and
load-balancer registration state. Instances are owned by the state store
(pkg/state); other packages read them but never mutate them directly.

# Lifecycle

Lifecycle states form a closed state machine with an explicit transition
table:

	Provisioning → Booting → HealthCheckPending → Healthy
	Healthy → Unhealthy → GracePeriod → Terminating → Terminated
	Healthy → Draining → Terminating → Terminated   (voluntary removal)

A grace-period instance that recovers returns to Healthy; everything else is
monotonic. Replacement instances always get a new identity, never a state
reset of the old one. CanTransition is the single source of truth for
legality; the store rejects anything the table does not allow.

# Health records

HealthRecord converts the raw probe verdict stream (Pass / Fail /
Unreachable) into streak counters and a bounded history ring. The tracker
(pkg/tracker) layers its debouncing state machine on top of these counters.
*/
package types
