// Package lib contains infrastructure helpers shared across components
// that aren't tied to any single subsystem's domain types.
//
//   - log: slog-based logging wrapper
//
// # Usage
//
//	import "github.com/opoznienia/latencymon/pkg/lib/log"
package lib
