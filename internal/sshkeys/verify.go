package sshkeys

import (
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// FingerprintMismatchError is returned when the host presents a key whose
// fingerprint differs from the recorded one. Callers treat it as a possible
// impersonation and never retry.
type FingerprintMismatchError struct {
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key fingerprint mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Fingerprint returns the SHA256 fingerprint (SHA256:xxx) of a public key.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// AuthorizedKeyFingerprint parses a key in authorized_keys format and returns
// its fingerprint.
func AuthorizedKeyFingerprint(authorizedKey []byte) (string, error) {
	if len(authorizedKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// StrictHostKeyCallback accepts only a host key whose fingerprint equals
// expected. onVerified, if set, runs after a successful match and before
// authentication begins.
func StrictHostKeyCallback(expected string, onVerified func(fingerprint string)) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		if expected == "" || actual != expected {
			return &FingerprintMismatchError{Expected: expected, Actual: actual}
		}
		if onVerified != nil {
			onVerified(actual)
		}
		return nil
	}
}
