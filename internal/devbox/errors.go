package devbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures so callers can react without parsing messages.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient is a network blip or rate limit; safe to retry with backoff.
	KindTransient
	// KindPermanent is a rejected request (forbidden, invalid, devbox terminated).
	KindPermanent
	// KindNotFound is an unknown devbox or execution identifier.
	KindNotFound
	KindDeadlineExceeded
	KindExecutionTimeout
	KindTerminalMismatch
	KindPortInUse
	KindTunnelLost
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindTransient:        "transient",
	KindPermanent:        "permanent",
	KindNotFound:         "not found",
	KindDeadlineExceeded: "deadline exceeded",
	KindExecutionTimeout: "execution timeout",
	KindTerminalMismatch: "terminal mismatch",
	KindPortInUse:        "port in use",
	KindTunnelLost:       "tunnel lost",
	KindCancelled:        "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrTransient        = &kindError{KindTransient}
	ErrPermanent        = &kindError{KindPermanent}
	ErrNotFound         = &kindError{KindNotFound}
	ErrDeadlineExceeded = &kindError{KindDeadlineExceeded}
	ErrExecutionTimeout = &kindError{KindExecutionTimeout}
	ErrTerminalMismatch = &kindError{KindTerminalMismatch}
	ErrPortInUse        = &kindError{KindPortInUse}
	ErrTunnelLost       = &kindError{KindTunnelLost}
	ErrCancelled        = &kindError{KindCancelled}
)

type kindError struct{ kind Kind }

func (e *kindError) Error() string { return e.kind.String() }

func sentinel(k Kind) error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindPermanent:
		return ErrPermanent
	case KindNotFound:
		return ErrNotFound
	case KindDeadlineExceeded:
		return ErrDeadlineExceeded
	case KindExecutionTimeout:
		return ErrExecutionTimeout
	case KindTerminalMismatch:
		return ErrTerminalMismatch
	case KindPortInUse:
		return ErrPortInUse
	case KindTunnelLost:
		return ErrTunnelLost
	case KindCancelled:
		return ErrCancelled
	}
	return nil
}

// Error is the error type returned by the control-plane client and the session core.
// Devbox and Execution carry the last known snapshot when one exists, so a caller
// can resume polling after a timeout.
type Error struct {
	Kind      Kind
	Op        string
	DevboxID  string
	Err       error
	Devbox    *Devbox
	Execution *Execution
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.DevboxID != "" {
		b.WriteString("devbox ")
		b.WriteString(e.DevboxID)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := sentinel(e.Kind); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// E builds an *Error.
func E(kind Kind, op, devboxID string, err error) *Error {
	return &Error{Kind: kind, Op: op, DevboxID: devboxID, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, devboxID, format string, args ...any) *Error {
	return E(kind, op, devboxID, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in err's chain. Context
// errors map to Cancelled / DeadlineExceeded; anything else unclassified is
// KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	}
	return KindUnknown
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// FromContext converts a context error into the matching kind.
func FromContext(op, devboxID string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return E(KindDeadlineExceeded, op, devboxID, err)
	}
	return E(KindCancelled, op, devboxID, err)
}
