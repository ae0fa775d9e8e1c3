/*
Package tracker implements the health state tracker: the debouncing layer
between raw probe verdicts and repair decisions.

Per instance the tracker runs a small state machine on top of the streak
counters in the instance's HealthRecord:

	HealthCheckPending --passes>=n--> Healthy        (readiness; gates registration)
	Healthy --fails>=m--> GracePeriod                (episode opens, timer armed)
	GracePeriod --passes>=n--> Healthy               (flap suppressed, no repair)
	GracePeriod --deadline elapses--> confirmed      (exactly one notification)

Grace expiry is evaluated against the recorded wall-clock deadline, not
event arrival order, and is checked both by the per-instance timer and on
every observation, so bursty event delivery cannot starve detection. Timers
are keyed by instance id and must be cancelled (Cancel) before an instance
is removed.
*/
package tracker
