// Package gitrepo adapts a local git repository to the repository port.
// Checkpoints are commits, spiral branches are git branches, and reverts
// are hard resets. A filesystem watcher flags external modification so a
// concurrent writer surfaces as a conflict instead of corrupting a run.
package gitrepo
