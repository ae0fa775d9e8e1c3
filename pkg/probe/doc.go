/*
Package probe implements the health prober: periodic application-level
liveness checks against every non-terminal instance.

HTTPProber issues a single HTTP GET and reduces the outcome to a verdict:
Pass (acceptable status), Fail (reachable but bad status or a timeout after
the connection was made), or Unreachable (dial or DNS failure). Probe
errors never propagate as controller errors.

Monitor owns the probe scheduling: one goroutine per instance, started when
the instance boots and cancelled immediately at Terminating, with a
periodic sync pass that reaps loops for vanished instances. Verdicts flow
to the Observer (the health state tracker), which owns all debouncing; the
prober itself is stateless per check.
*/
package probe
