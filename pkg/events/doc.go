// Package events provides the fleet event broker: a buffered fan-out of
// lifecycle transitions, repair outcomes, and alerts. The state store
// publishes every transition; the reconciler, the status API, and tests
// subscribe. Slow subscribers are skipped rather than blocking the fleet.
package events
