/*
Package reconciler implements the capacity reconciler, the central control
loop of the fleet controller.

# Algorithm

Each tick compares desired capacity N against the observed instance set:

	present = count(instances not in {Terminating, Terminated})

	present < N  →  create the deficit, least-populated domains first
	               (ties by domain id ascending)
	present > N  →  drain the surplus, fullest domains first, youngest
	               instances within a domain
	present = N  →  correct placement skew: drain one instance from an
	               over-full or ineligible domain so the replacement can
	               land where it belongs

Create and delete commands are asynchronous; the tick never blocks on a
network round trip. A new instance is recorded in Provisioning before its
create call is issued, so it already counts toward present and concurrent
ticks cannot over-create. A failed create discards the record and the next
tick retries — the loop is level-triggered and self-correcting, and a
stalled instance never blocks reconciliation of the others.

Because creations only happen under a deficit and removals only at or
above capacity, a single tick never creates and deletes in the same domain
unless a deficit and a balance correction independently require it.

# Triggering

The loop runs on a fixed interval and can be nudged: completed repairs and
terminations request an immediate pass instead of waiting out the tick.
*/
package reconciler
