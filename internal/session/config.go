package session

import (
	"context"
	"time"

	"github.com/tanlethanh/zedra/internal/bridge"
	"github.com/tanlethanh/zedra/internal/credstore"
	"github.com/tanlethanh/zedra/internal/pairing"
	"github.com/tanlethanh/zedra/internal/terminal"
	"github.com/tanlethanh/zedra/internal/transport"
)

type Config struct {
	// ConnectTimeout and AuthTimeout together bound one handshake attempt.
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration

	KeepaliveInterval time.Duration
	// KeepaliveTimeout is how long the connection may be silent, with no
	// output and no keepalive reply, before it is considered degraded.
	KeepaliveTimeout time.Duration

	Backoff     Backoff
	MaxAttempts int

	Term       string
	Cols, Rows int

	Bridge     bridge.Config
	FlushGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		AuthTimeout:       10 * time.Second,
		KeepaliveInterval: 5 * time.Second,
		KeepaliveTimeout:  15 * time.Second,
		Backoff: Backoff{
			Base:   500 * time.Millisecond,
			Factor: 2,
			Max:    30 * time.Second,
			Jitter: 0.2,
		},
		MaxAttempts: 5,
		Term:        "xterm-256color",
		Cols:        80,
		Rows:        24,
		FlushGrace:  500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = d.KeepaliveTimeout
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Term == "" {
		c.Term = d.Term
	}
	if c.Cols <= 0 || c.Rows <= 0 {
		c.Cols, c.Rows = d.Cols, d.Rows
	}
	return c
}

// Pairer turns a pairing payload into a stored credential.
// *pairing.Coordinator implements it.
type Pairer interface {
	BeginPairing(ctx context.Context, p pairing.Payload) (credstore.Credential, error)
}

type Deps struct {
	Store  credstore.Store
	Dialer transport.Dialer
	// Pairer is only needed for connections created FromPayload.
	Pairer Pairer
}

// Identity names the host a connection is for: either a stored credential
// or a pairing payload that will produce one.
type Identity struct {
	fingerprint string
	payload     *pairing.Payload
}

func FromCredential(fingerprint string) Identity {
	return Identity{fingerprint: fingerprint}
}

func FromPayload(p pairing.Payload) Identity {
	return Identity{fingerprint: p.Fingerprint, payload: &p}
}

func (id Identity) Fingerprint() string { return id.fingerprint }

// TerminalSink is the terminal the connection streams to. It is told about
// every state change.
type TerminalSink interface {
	terminal.Sink
	OnConnectionState(State)
}
