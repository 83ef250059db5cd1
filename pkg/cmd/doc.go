// Package cmd opens the stores, event bus, lab and tracer of a project for
// the entropy command and for programs that run experiments.
package cmd
