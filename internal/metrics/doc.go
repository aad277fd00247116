// Package metrics registers and exposes the Prometheus instruments for
// spiral iteration, session activity, and validator runs.
package metrics
