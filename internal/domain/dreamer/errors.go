// Package dreamer provides domain types and configuration for the
// world-model agent.
package dreamer

import "errors"

var (
	// ErrInvalidConfig indicates an invalid option or option combination.
	// Configuration errors are raised at construction and never recovered.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotImplemented indicates a recognized but unimplemented
	// configuration variant, such as an unknown distribution family.
	ErrNotImplemented = errors.New("not implemented")
)
