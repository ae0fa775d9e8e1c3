/*
Package repair implements the repair controller: it turns confirmed
failure episodes into instance terminations.

On confirmation the instance is deregistered from the backend pool first,
transitioned to Terminating, its probe loop and grace timer cancelled, and
the platform delete issued with bounded exponential backoff. A delete
conflict means the platform already lost the instance and counts as
success. When the retry budget is spent the instance stays in Terminating —
visible, alerted, counted as an in-flight removal, never double-counted
toward capacity — and an operator has to intervene.

Replacement is not this package's job; the capacity reconciler notices the
missing instance on its next tick.
*/
package repair
