package dataset

import (
	"errors"
	"fmt"
)

// Kind classifies runtime failures. None of them are recoverable: they mark a
// broken contract between the caller and the Set/Map/Dat it handed us.
type Kind int

const (
	// KindConsistency is a Set, halo list or Dat mismatch
	KindConsistency Kind = iota + 1
	// KindConfiguration is a degenerate block size or unknown kernel signature
	KindConfiguration
	// KindProtocol is a second exchange issued while one is still outstanding
	KindProtocol
	// KindResource is a failed allocation of a staging buffer or plan table
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindConsistency:
		return "ConsistencyError"
	case KindConfiguration:
		return "ConfigurationError"
	case KindProtocol:
		return "ProtocolError"
	case KindResource:
		return "ResourceError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels for errors.Is
var (
	ErrConsistency   = &Error{Kind: KindConsistency}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrResource      = &Error{Kind: KindResource}
)

// Error carries the failing rank, the entity name and the reason.
// Rank is -1 when the failure is not tied to a distributed rank.
type Error struct {
	Kind   Kind
	Rank   int
	Entity string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: rank %d: %s: %s", e.Kind, e.Rank, e.Entity, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrProtocol) works
// regardless of rank or entity.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Consistencyf builds a KindConsistency error
func Consistencyf(rank int, entity, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConsistency, Rank: rank, Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

// Configurationf builds a KindConfiguration error
func Configurationf(rank int, entity, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Rank: rank, Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

// Protocolf builds a KindProtocol error
func Protocolf(rank int, entity, format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Rank: rank, Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

// Resourcef builds a KindResource error
func Resourcef(rank int, entity, format string, args ...interface{}) *Error {
	return &Error{Kind: KindResource, Rank: rank, Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err carries one of the runtime failure kinds
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// WithRank stamps the rank on a runtime error that was built without one.
// Other errors pass through unchanged.
func WithRank(err error, rank int) error {
	if e, ok := err.(*Error); ok && e.Rank < 0 {
		cp := *e
		cp.Rank = rank
		return &cp
	}
	return err
}
