// Package hserr defines the four error kinds shared by the SRV and
// hidden-service packages (spec §7) as a thin wrapper over the standard
// errors package, so callers can errors.As for the kind while everything
// else still composes with fmt.Errorf's %w.
package hserr

import "fmt"

// Kind classifies an error for the caller's retry/surface policy.
type Kind int

const (
	// Transient: descriptor missing, intro pool empty. Caller retries
	// after refetch/backoff; not surfaced to the user unless exhausted.
	Transient Kind = iota
	// Permanent: codec reject, signature fail, both circuits lost. Close
	// affected circuits, surface to the AP stream.
	Permanent
	// Protocol: malformed cell, out-of-phase commit, tag out of range.
	// Close circuit with TORPROTOCOL; never retry same peer same round.
	Protocol
	// Persistence: disk read malformed, magic mismatch, expired. Discard
	// on-disk state, continue with fresh in-memory state, overwrite file.
	Persistence
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Protocol:
		return "protocol"
	case Persistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind k. Returns nil if err is nil.
func New(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

// Wrap formats format and args with fmt.Errorf (so a %w verb wraps an
// error passed in args) and tags the result with kind k.
func Wrap(k Kind, format string, args ...any) error {
	allArgs := append(append([]any{}, args...))
	err := fmt.Errorf(format, allArgs...)
	return &Error{Kind: k, Err: err}
}

// Is reports whether err carries kind k anywhere in its chain.
func Is(err error, k Kind) bool {
	for err != nil {
		if he, ok := err.(*Error); ok {
			if he.Kind == k {
				return true
			}
			err = he.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
