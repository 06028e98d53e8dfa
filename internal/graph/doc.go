// Package graph holds the task dependency graph used by the build orchestrator.
//
// A Graph is immutable once built. Construction rejects empty or duplicate task
// names, dependencies on unknown tasks, self dependencies and cycles, so every
// accessor can assume a valid DAG.
package graph
