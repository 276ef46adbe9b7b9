package types

import "fmt"

// Kind classifies an error the way the upstream and the connection layer
// distinguish them. Recoverable kinds are surfaced via session error events;
// they are never thrown out of the decoding loop.
type Kind string

const (
	KindTransport Kind = "transport" // dial, I/O, TLS; retried by the reconnect engine
	KindProtocol  Kind = "protocol"  // framing/length mismatch, JSON parse failure
	KindAuth      Kind = "auth"      // auth envelope rejected
	KindSymbol    Kind = "symbol"    // upstream symbol resolution error
	KindSeries    Kind = "series"    // upstream series error
	KindStudy     Kind = "study"     // upstream study error
	KindCritical  Kind = "critical"  // upstream signals unrecoverable; session torn down
	KindTimeout   Kind = "timeout"   // a suspending operation exceeded its bound
	KindNotOpen   Kind = "not_open"  // issued on a non-ready connection or session
	KindDetached  Kind = "detached"  // session detached after reconnect with rehydration off
)

// Error is the typed error carried through events and futures.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches two *Error values by kind so callers can write
// errors.Is(err, types.NewError(types.KindTimeout, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if te, ok := err.(*Error); ok && te.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
