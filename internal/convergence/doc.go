// Package convergence drives the bounded attempt-evaluate-accept loop
// that decides whether iterative work meets a quality threshold, and
// scores how close a run is to converging.
package convergence
