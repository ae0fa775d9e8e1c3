/*
Package platform defines the narrow collaborator interfaces the controller
drives: Platform (instance create/delete/list), LoadBalancer (backend pool
register/deregister), and Prober (single liveness check).

The controller never talks to a cloud API or a load balancer directly;
production deployments supply implementations of these interfaces, and the
in-memory fakes in this package back the dev runtime mode and the test
suites. Delete and deregister of an already-absent instance return conflict
errors that callers treat as success, so replays are harmless.
*/
package platform
