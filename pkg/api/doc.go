/*
Package api implements the read-only HTTP status surface of the fleet
controller.

Endpoints:

	GET /health              liveness
	GET /ready               readiness (startup adoption completed)
	GET /metrics             Prometheus metrics
	GET /v1/fleet/status     fleet status: instances, placement, convergence
	GET /v1/fleet/events     recent lifecycle and alert events
	PUT /v1/fleet/capacity   change desired capacity at runtime

The server never mutates instance state directly; the capacity endpoint
only updates the desired state the reconciler converges toward.
*/
package api
