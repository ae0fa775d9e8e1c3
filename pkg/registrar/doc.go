// Package registrar synchronizes load-balancer backend pool membership
// with lifecycle state. Instances join the pool only after the tracker
// confirms them Healthy and leave it the moment they stop being Healthy,
// always before any delete command is issued.
package registrar
