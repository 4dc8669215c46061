package pairing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanlethanh/zedra/internal/credstore"
	"github.com/tanlethanh/zedra/internal/logging"
	"github.com/tanlethanh/zedra/internal/logutil"
	"github.com/tanlethanh/zedra/internal/sshkeys"
	"github.com/tanlethanh/zedra/internal/transport"
	"golang.org/x/crypto/ssh"
)

const defaultTimeout = 15 * time.Second

// Coordinator runs pairings one at a time. It never retries on its own.
type Coordinator struct {
	store      credstore.Store
	dialer     transport.Dialer
	now        func() time.Time
	timeout    time.Duration
	deviceName string
	log        zerolog.Logger

	mu sync.Mutex
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithTimeout bounds dial, handshake and registration together.
func WithTimeout(d time.Duration) Option { return func(c *Coordinator) { c.timeout = d } }

// WithDeviceName sets the name the host records for this device.
func WithDeviceName(name string) Option { return func(c *Coordinator) { c.deviceName = name } }

func NewCoordinator(store credstore.Store, dialer transport.Dialer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		dialer:  dialer,
		now:     time.Now,
		timeout: defaultTimeout,
		log:     logging.Module("pairing"),
	}
	if name, err := os.Hostname(); err == nil {
		c.deviceName = name
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.deviceName == "" {
		c.deviceName = "zedra-client"
	}
	return c
}

// BeginPairing validates p, authenticates with its token, registers a new
// device key and saves the credential. Nothing is persisted unless every
// step succeeds.
func (c *Coordinator) BeginPairing(ctx context.Context, p Payload) (credstore.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Expired(c.now()) {
		return credstore.Credential{}, &Error{Kind: ErrExpired}
	}

	log := c.log.With().Str("host", p.Addr()).Str("fingerprint", p.Fingerprint).Logger()
	log.Info().Str("token", logutil.Mask(p.Token)).Msg("pairing started")

	pub, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		return credstore.Credential{}, fmt.Errorf("pairing: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, err := transport.Handshake(ctx, c.dialer, transport.Target{
		Addr:        p.Addr(),
		User:        PairUser,
		Fingerprint: p.Fingerprint,
		Auth:        []ssh.AuthMethod{ssh.Password(p.Token)},
	})
	if err != nil {
		perr := classifyHandshake(err)
		log.Warn().Err(err).Msg("pairing handshake failed")
		return credstore.Credential{}, perr
	}
	out, err := client.Exec(ctx, FormatRegister(string(pub), c.deviceName))
	client.Close()
	if err != nil {
		var netErr *transport.NetworkError
		if errors.As(err, &netErr) {
			return credstore.Credential{}, &Error{Kind: ErrTransportUnreachable, Err: err}
		}
		return credstore.Credential{}, &Error{Kind: ErrRegistrationFailed, Err: err}
	}
	deviceID, err := parseRegisterReply(out)
	if err != nil {
		return credstore.Credential{}, &Error{Kind: ErrRegistrationFailed, Err: err}
	}

	cred, err := c.store.Save(ctx, credstore.Credential{
		HostFingerprint: p.Fingerprint,
		Label:           p.Label(),
		Host:            p.Host,
		Port:            p.Port,
		Username:        DeviceUser,
		PublicKey:       string(pub),
	}, priv)
	clear(priv)
	if err != nil {
		return credstore.Credential{}, fmt.Errorf("pairing: %w", err)
	}

	log.Info().Str("device_id", deviceID).Str("label", logutil.SanitizeForLog(cred.Label)).Msg("paired")
	return cred, nil
}

func classifyHandshake(err error) error {
	var mismatch *sshkeys.FingerprintMismatchError
	switch {
	case errors.As(err, &mismatch):
		return &Error{Kind: ErrFingerprintMismatch, Err: err}
	case errors.Is(err, transport.ErrAuthRejected):
		return &Error{Kind: ErrTokenRejected, Err: err}
	default:
		return &Error{Kind: ErrTransportUnreachable, Err: err}
	}
}

func parseRegisterReply(out string) (string, error) {
	out = strings.TrimSpace(out)
	if id, ok := strings.CutPrefix(out, "OK "); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), nil
	}
	if msg, ok := strings.CutPrefix(out, "ERROR:"); ok {
		return "", errors.New(strings.TrimSpace(msg))
	}
	return "", fmt.Errorf("unexpected reply %q", logutil.SanitizeForLog(out))
}
