/*
Package state implements the fleet state store: the single authoritative
record of instance identities, placement, lifecycle state, registration
state, and health history.

# Mutation discipline

Every mutation goes through a Store method under one mutex. The reconciler
and the repair controller are the only components that move lifecycle state,
and Transition validates each move against the closed lifecycle table in
pkg/types, so an illegal transition is an immediately rejected runtime
error, not a silent corruption. Readers always receive copies.

Every applied transition is published on the event broker, which is how the
registrar, the reconciler's nudge channel, and the status API observe the
fleet without touching shared mutable state.

# Persistence

The store is in-memory and is rebuilt from the platform's actual inventory
on startup. BoltSnapshot optionally mirrors the records to disk so a
restarted controller can recover creation times and placement for adopted
instances; it is never the source of truth.
*/
package state
