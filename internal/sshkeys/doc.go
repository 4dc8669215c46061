// Package sshkeys handles key generation and host identity verification for
// both sides of a zedra session.
//
// Clients generate one ED25519 key pair per paired host ([GenerateKeyPair]).
// The public half is registered with the host during pairing; the private half
// is handed straight to the credential store and never kept here.
//
// Host identity is the SHA256 fingerprint of the host key ([Fingerprint]).
// [StrictHostKeyCallback] rejects any key whose fingerprint differs from the
// one recorded at pairing time with a *[FingerprintMismatchError]. There is no
// trust-on-first-use path: the expected fingerprint always comes from the
// pairing payload or a stored credential.
//
// The desktop host keeps a persistent key on disk ([LoadOrCreateHostKey]),
// written with 0600 permissions.
package sshkeys
