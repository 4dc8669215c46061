// Package credstore keeps the durable per-host identities produced by pairing.
//
// Private key material never leaves a Store: callers get a Credential (public
// data only) from Lookup and sign through Sign or a Signer that delegates to
// the store on every signature.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tanlethanh/zedra/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

var (
	ErrNotFound    = errors.New("credential not found")
	ErrInvalidated = errors.New("credential invalidated")
)

// Credential is the public part of a paired host record.
type Credential struct {
	ID              string
	HostFingerprint string
	Label           string
	Host            string
	Port            int
	Username        string
	PublicKey       string
	CreatedAt       time.Time
	LastUsedAt      *time.Time
	InvalidatedAt   *time.Time
	InvalidReason   string
}

func (c Credential) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Credential) Invalidated() bool {
	return c.InvalidatedAt != nil
}

// Store is safe for concurrent use. Lookup, List and Sign never see a
// half-written Save.
type Store interface {
	// Save persists cred together with its private key, replacing any record
	// for the same host fingerprint.
	Save(ctx context.Context, cred Credential, privateKeyPEM []byte) (Credential, error)
	// Lookup returns the valid credential for fingerprint. Invalidated
	// credentials are reported as absent.
	Lookup(ctx context.Context, fingerprint string) (Credential, bool, error)
	Forget(ctx context.Context, fingerprint string) error
	// Invalidate marks the credential unusable without deleting it, e.g. after
	// the host presented a different identity.
	Invalidate(ctx context.Context, fingerprint, reason string) error
	List(ctx context.Context) ([]Credential, error)
	Sign(ctx context.Context, fingerprint string, data []byte) (*ssh.Signature, error)
	Signer(ctx context.Context, fingerprint string) (ssh.Signer, error)
	Touch(ctx context.Context, fingerprint string) error
}

// validateSave checks cred before anything is written and returns the public
// key derived from the private key.
func validateSave(cred Credential, privateKeyPEM []byte) (Credential, ssh.Signer, error) {
	if cred.HostFingerprint == "" {
		return cred, nil, errors.New("save credential: host fingerprint is required")
	}
	if cred.Host == "" || cred.Port <= 0 || cred.Port > 65535 {
		return cred, nil, fmt.Errorf("save credential: invalid address %q:%d", cred.Host, cred.Port)
	}
	signer, err := sshkeys.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return cred, nil, fmt.Errorf("save credential: %w", err)
	}
	pub := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	if cred.PublicKey != "" && strings.TrimSpace(cred.PublicKey) != pub {
		return cred, nil, errors.New("save credential: public key does not match private key")
	}
	cred.PublicKey = pub
	if cred.Username == "" {
		cred.Username = "zedra"
	}
	return cred, signer, nil
}

// storeSigner satisfies ssh.Signer without holding the private key.
type storeSigner struct {
	store       Store
	fingerprint string
	pub         ssh.PublicKey
}

func newStoreSigner(s Store, cred Credential) (ssh.Signer, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cred.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("parse stored public key: %w", err)
	}
	return &storeSigner{store: s, fingerprint: cred.HostFingerprint, pub: pub}, nil
}

func (s *storeSigner) PublicKey() ssh.PublicKey { return s.pub }

func (s *storeSigner) Sign(_ io.Reader, data []byte) (*ssh.Signature, error) {
	return s.store.Sign(context.Background(), s.fingerprint, data)
}
