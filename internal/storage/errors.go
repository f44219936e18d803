package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrRunTerminal is returned when a write targets a run that already
	// reached answered or error.
	ErrRunTerminal = errors.New("storage: run already terminal")

	// ErrAlreadyResolved is returned when a sub-question is no longer pending.
	ErrAlreadyResolved = errors.New("storage: sub-question already resolved")
)
