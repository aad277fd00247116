// Package session registers agents, serializes their access to the
// repository, and keeps the per-agent audit trail of checkpoints,
// reverts, and spiral runs. Corruption detected on any repository
// operation quarantines all mutations until an operator clears it.
package session
