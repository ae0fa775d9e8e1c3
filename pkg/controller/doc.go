/*
Package controller is the composition root of the fleet controller.

It wires the fleet state store, health monitor, health state tracker,
backend registrar, repair controller, and capacity reconciler together
around one event broker and one shared retry policy, and owns their
lifecycle:

	ctl, err := controller.New(cfg, platform, loadBalancer, prober)
	if err != nil { ... }
	if err := ctl.Start(ctx); err != nil { ... }
	defer ctl.Stop()

Start adopts whatever instances the platform already has before any
control loop runs, so a restarted controller converges on the live fleet
instead of rebuilding it from scratch. The in-memory store is rebuilt from
the platform inventory; the optional bbolt snapshot only contributes
creation timestamps for instances whose handles still exist.
*/
package controller
