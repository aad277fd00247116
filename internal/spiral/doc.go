// Package spiral coordinates checkpoint, branch, convergence, and merge
// so that iterative agent work lands atomically: a spiral either merges
// an accepted state or reverts to the checkpoint it started from.
package spiral
