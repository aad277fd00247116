// Package validate runs the configured validators against a workspace
// and folds their findings into quality threads. Validators are command
// runners, a secret scanner, and a CI check reader; a Suite applies the
// pass rules and aggregates their scores.
package validate
