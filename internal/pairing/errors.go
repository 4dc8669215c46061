package pairing

import "errors"

// Error kinds, matched with errors.Is.
var (
	ErrExpired              = errors.New("pairing code expired")
	ErrTokenRejected        = errors.New("pairing token rejected")
	ErrFingerprintMismatch  = errors.New("host fingerprint does not match pairing code")
	ErrTransportUnreachable = errors.New("host unreachable")
	ErrInvalidPayload       = errors.New("invalid pairing code")
	ErrRegistrationFailed   = errors.New("device registration failed")
)

// Error pairs a kind with the underlying cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may try the same payload again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransportUnreachable)
}
