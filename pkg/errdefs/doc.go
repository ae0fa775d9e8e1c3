// Package errdefs defines the error taxonomy shared by all Shepherd
// components: transient (retry), conflict (idempotent success), exhausted
// (alert and park), and configuration (reject up front). Classification
// survives wrapping via errors.Is.
package errdefs
