// Package pairing turns a one-time pairing code into a durable credential.
//
// The host shows a URI (usually as a QR code):
//
//	zedra://192.168.1.5:2222?token=<hex>&fp=SHA256:...&exp=<unix>&name=desk&v=1
//
// The client authenticates once with the token as a password, registers a
// freshly generated device key and stores the resulting credential.
package pairing

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	Scheme  = "zedra"
	Version = "1"

	// PairUser authenticates with the one-time token as password.
	PairUser = "zedra-pair"
	// DeviceUser authenticates with a registered device key.
	DeviceUser = "zedra"
	// RegisterCommand is the only exec request a pairing connection may run.
	RegisterCommand = "zedra-register-key"

	maxTokenLen = 256
)

// Payload is the decoded pairing code.
type Payload struct {
	Host        string
	Port        int
	Token       string
	Fingerprint string
	Expires     time.Time
	// Name is the host's friendly name, used as the default credential label.
	Name string
}

// ParseURI decodes s. It fails closed: anything missing or malformed is
// rejected before a connection is attempted.
func ParseURI(s string) (Payload, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return Payload{}, invalid("malformed uri: %v", err)
	}
	if u.Scheme != Scheme {
		return Payload{}, invalid("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Payload{}, invalid("missing host")
	}
	portStr := u.Port()
	if portStr == "" {
		return Payload{}, invalid("missing port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Payload{}, invalid("invalid port %q", portStr)
	}

	q := u.Query()
	if v := q.Get("v"); v != "" && v != Version {
		return Payload{}, invalid("unsupported version %q", v)
	}
	token := q.Get("token")
	if token == "" {
		return Payload{}, invalid("missing token")
	}
	if len(token) > maxTokenLen {
		return Payload{}, invalid("token too long")
	}
	fp := q.Get("fp")
	if fp == "" {
		return Payload{}, invalid("missing fingerprint")
	}
	if !strings.HasPrefix(fp, "SHA256:") || len(fp) == len("SHA256:") {
		return Payload{}, invalid("unsupported fingerprint %q", fp)
	}
	expStr := q.Get("exp")
	if expStr == "" {
		return Payload{}, invalid("missing expiry")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || exp <= 0 {
		return Payload{}, invalid("malformed expiry %q", expStr)
	}

	return Payload{
		Host:        host,
		Port:        port,
		Token:       token,
		Fingerprint: fp,
		Expires:     time.Unix(exp, 0),
		Name:        q.Get("name"),
	}, nil
}

// URI encodes p in the form ParseURI accepts.
func (p Payload) URI() string {
	q := url.Values{}
	q.Set("token", p.Token)
	q.Set("fp", p.Fingerprint)
	q.Set("exp", strconv.FormatInt(p.Expires.Unix(), 10))
	if p.Name != "" {
		q.Set("name", p.Name)
	}
	q.Set("v", Version)
	u := url.URL{Scheme: Scheme, Host: p.Addr(), RawQuery: q.Encode()}
	return u.String()
}

func (p Payload) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Expired reports whether the payload is no longer usable at now.
func (p Payload) Expired(now time.Time) bool {
	return !now.Before(p.Expires)
}

// Label is the default credential label for this host.
func (p Payload) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Host
}

func invalid(format string, args ...any) error {
	return &Error{Kind: ErrInvalidPayload, Err: fmt.Errorf(format, args...)}
}

// FormatRegister builds the registration exec command for an authorized_keys
// line and a device name.
func FormatRegister(authorizedKey, deviceName string) string {
	fields := strings.Fields(authorizedKey)
	key := strings.Join(fields[:min(2, len(fields))], " ")
	return RegisterCommand + " " + key + " " + strings.Join(strings.Fields(deviceName), " ")
}

// ParseRegister is the host-side inverse of FormatRegister.
func ParseRegister(cmd string) (authorizedKey, deviceName string, err error) {
	fields := strings.SplitN(strings.TrimSpace(cmd), " ", 4)
	if len(fields) < 3 || fields[0] != RegisterCommand {
		return "", "", fmt.Errorf("malformed register command")
	}
	authorizedKey = fields[1] + " " + fields[2]
	if len(fields) == 4 {
		deviceName = strings.TrimSpace(fields[3])
	}
	if deviceName == "" {
		deviceName = "device"
	}
	return authorizedKey, deviceName, nil
}
