package session

import (
	"fmt"
	"time"
)

type Kind int

const (
	KindIdle Kind = iota
	KindPairing
	KindConnecting
	KindAuthenticating
	KindConnected
	KindDegraded
	KindClosed
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindPairing:
		return "pairing"
	case KindConnecting:
		return "connecting"
	case KindAuthenticating:
		return "authenticating"
	case KindConnected:
		return "connected"
	case KindDegraded:
		return "degraded"
	case KindClosed:
		return "closed"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is one of Idle, Pairing, Connecting, Authenticating, Connected,
// Degraded, Closed or Failed. Data that only makes sense in one state lives
// on that state's type.
type State interface {
	Kind() Kind
	String() string
	state()
}

type Idle struct{}

type Pairing struct {
	Host string
}

type Connecting struct {
	Attempt int
	// Reconnect is set when the connection was previously established.
	Reconnect bool
}

type Authenticating struct {
	Attempt   int
	Reconnect bool
}

type Connected struct {
	Since time.Time
}

type Degraded struct {
	Since time.Time
	// Attempt is the number of reconnect attempts that have failed so far.
	Attempt int
	Cause   error
}

type Closed struct{}

type Failed struct {
	Reason FailureReason
	Err    error
}

func (Idle) Kind() Kind           { return KindIdle }
func (Pairing) Kind() Kind        { return KindPairing }
func (Connecting) Kind() Kind     { return KindConnecting }
func (Authenticating) Kind() Kind { return KindAuthenticating }
func (Connected) Kind() Kind      { return KindConnected }
func (Degraded) Kind() Kind       { return KindDegraded }
func (Closed) Kind() Kind         { return KindClosed }
func (Failed) Kind() Kind         { return KindFailed }

func (Idle) state()           {}
func (Pairing) state()        {}
func (Connecting) state()     {}
func (Authenticating) state() {}
func (Connected) state()      {}
func (Degraded) state()       {}
func (Closed) state()         {}
func (Failed) state()         {}

func (Idle) String() string      { return "idle" }
func (s Pairing) String() string { return "pairing with " + s.Host }
func (s Connecting) String() string {
	if s.Reconnect {
		return fmt.Sprintf("reconnecting (attempt %d)", s.Attempt)
	}
	return fmt.Sprintf("connecting (attempt %d)", s.Attempt)
}
func (s Authenticating) String() string { return fmt.Sprintf("authenticating (attempt %d)", s.Attempt) }
func (Connected) String() string        { return "connected" }
func (s Degraded) String() string {
	if s.Cause == nil {
		return "degraded"
	}
	return "degraded: " + s.Cause.Error()
}
func (Closed) String() string { return "closed" }
func (s Failed) String() string {
	if s.Err == nil {
		return "failed: " + s.Reason.String()
	}
	return fmt.Sprintf("failed: %s: %v", s.Reason, s.Err)
}

type FailureReason int

const (
	Unreachable FailureReason = iota + 1
	IdentityChanged
	AuthRejected
	ConnectionLost
	Expired
	TokenRejected
	FingerprintMismatch
	NotPaired
	// PairingFailed covers a malformed pairing payload and a host that
	// accepted the token but did not register the device.
	PairingFailed
	Internal
)

func (r FailureReason) String() string {
	switch r {
	case Unreachable:
		return "unreachable"
	case IdentityChanged:
		return "identity changed"
	case AuthRejected:
		return "auth rejected"
	case ConnectionLost:
		return "connection lost"
	case Expired:
		return "pairing code expired"
	case TokenRejected:
		return "pairing token rejected"
	case FingerprintMismatch:
		return "fingerprint mismatch"
	case NotPaired:
		return "not paired"
	case PairingFailed:
		return "pairing failed"
	case Internal:
		return "internal error"
	default:
		return "unknown"
	}
}

// RequiresPairing reports whether the stored credential can no longer be
// used and the user has to pair again.
func (s Failed) RequiresPairing() bool {
	switch s.Reason {
	case AuthRejected, IdentityChanged, NotPaired, Expired, TokenRejected, FingerprintMismatch, PairingFailed:
		return true
	}
	return false
}

// NeedsUserAction is true for every Failed state: nothing will happen until
// the user acts.
func NeedsUserAction(s State) bool {
	_, ok := s.(Failed)
	return ok
}

// Reconnecting is true while the connection is recovering on its own.
func Reconnecting(s State) bool {
	switch s := s.(type) {
	case Degraded:
		return true
	case Connecting:
		return s.Reconnect
	case Authenticating:
		return s.Reconnect
	}
	return false
}
