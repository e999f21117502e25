package mpi

import "errors"

// Error kinds surfaced by the MPI engine. Callers match with errors.Is and
// map each kind to their own transport status; details are carried by
// wrapping with fmt.Errorf("...: %w", Err...).
var (
	// ErrValidation indicates a malformed or incomplete request.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates a referenced identity or alias is absent, or an
	// alias does not belong to the stated identity.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an alias is bound to a different identity, or a
	// patient is already bound to a different identity.
	ErrConflict = errors.New("conflict")

	// ErrBusinessRule indicates a merge precondition failure (self-merge,
	// secondary already merged).
	ErrBusinessRule = errors.New("business rule violation")

	// ErrDataIntegrity indicates corrupted state in the store, such as an
	// alias row with no resolvable owning identity.
	ErrDataIntegrity = errors.New("data integrity violation")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
