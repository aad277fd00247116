// Package quality tracks per-artifact quality threads: named dimension scores
// in [0,1] with bounded history, color bucketing, and configurable
// aggregation across a thread set.
//
// Measurement writes for the same artifact are serialized; different
// artifacts proceed in parallel.
package quality
