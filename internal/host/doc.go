// Package host implements the machine side of zedra: an SSH server that
// hands out one-time pairing tokens, registers device keys presented over a
// token-authenticated connection, and serves PTY shells to registered
// devices.
//
// Connections authenticate as one of three roles:
//
//	zedra-pair  password = pairing token, may only run zedra-register-key
//	zedra       public key of a registered device, may open a shell
//	zedra       password fallback, when one is set with SetPassword
//
// Every authentication decision, pairing, revocation and shell session is
// written to the audit table.
package host
