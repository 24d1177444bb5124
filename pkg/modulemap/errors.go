package modulemap

import "github.com/pkg/errors"

var (
	// ErrInvalidSection is returned by Add for a malformed section (zero size or
	// a range running past the end of the address space).
	ErrInvalidSection = errors.New("invalid section")
	// ErrNilModule is returned by Add when called without a module.
	ErrNilModule = errors.New("nil module")
	// ErrPidNotFound is returned by Get when no sections are tracked for the pid.
	ErrPidNotFound = errors.New("pid not found")
	// ErrAddressNotMapped is returned by Get when no section contains the address.
	ErrAddressNotMapped = errors.New("address not mapped")
)
