package pairing_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tanlethanh/zedra/internal/pairing"
)

const testFP = "SHA256:nThbg6kXUpJWGl7E1IGOCspRomTxdCARLviKw6E5SY8"

func TestParseURI(t *testing.T) {
	valid := "zedra://192.168.1.5:2222?token=abc123&fp=" + testFP + "&exp=1900000000&name=desk&v=1"

	p, err := pairing.ParseURI(valid)
	if err != nil {
		t.Fatalf("ParseURI(valid) error: %v", err)
	}
	if p.Host != "192.168.1.5" || p.Port != 2222 || p.Token != "abc123" || p.Fingerprint != testFP {
		t.Errorf("payload = %+v", p)
	}
	if !p.Expires.Equal(time.Unix(1900000000, 0)) || p.Name != "desk" {
		t.Errorf("payload expiry/name = %s %q", p.Expires, p.Name)
	}

	invalid := []struct {
		name string
		uri  string
	}{
		{"wrong scheme", strings.Replace(valid, "zedra://", "ssh://", 1)},
		{"missing port", "zedra://192.168.1.5?token=a&fp=" + testFP + "&exp=1900000000"},
		{"port out of range", "zedra://192.168.1.5:70000?token=a&fp=" + testFP + "&exp=1900000000"},
		{"missing token", "zedra://h:22?fp=" + testFP + "&exp=1900000000"},
		{"missing fingerprint", "zedra://h:22?token=a&exp=1900000000"},
		{"md5 fingerprint", "zedra://h:22?token=a&fp=MD5:aa:bb&exp=1900000000"},
		{"missing expiry", "zedra://h:22?token=a&fp=" + testFP},
		{"malformed expiry", "zedra://h:22?token=a&fp=" + testFP + "&exp=soon"},
		{"future version", strings.Replace(valid, "v=1", "v=2", 1)},
		{"token too long", "zedra://h:22?token=" + strings.Repeat("x", 300) + "&fp=" + testFP + "&exp=1900000000"},
		{"garbage", "%%%"},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pairing.ParseURI(tc.uri)
			if !errors.Is(err, pairing.ErrInvalidPayload) {
				t.Errorf("ParseURI(%q) = %v, want ErrInvalidPayload", tc.uri, err)
			}
		})
	}
}

func TestURIRoundTrip(t *testing.T) {
	in := pairing.Payload{
		Host:        "fe80::1",
		Port:        2222,
		Token:       "deadbeef",
		Fingerprint: testFP,
		Expires:     time.Unix(1900000000, 0),
		Name:        "my desk",
	}
	out, err := pairing.ParseURI(in.URI())
	if err != nil {
		t.Fatalf("ParseURI(%q) error: %v", in.URI(), err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestExpiredAtBoundary(t *testing.T) {
	exp := time.Unix(1900000000, 0)
	p := pairing.Payload{Expires: exp}
	if p.Expired(exp.Add(-time.Second)) {
		t.Error("expired one second early")
	}
	if !p.Expired(exp) {
		t.Error("not expired at the expiry instant")
	}
}

func TestRegisterCommand(t *testing.T) {
	cmd := pairing.FormatRegister("ssh-ed25519 AAAAC3Nz comment-dropped\n", "Ana's   phone")
	if cmd != "zedra-register-key ssh-ed25519 AAAAC3Nz Ana's phone" {
		t.Fatalf("FormatRegister() = %q", cmd)
	}
	key, name, err := pairing.ParseRegister(cmd)
	if err != nil {
		t.Fatalf("ParseRegister() error: %v", err)
	}
	if key != "ssh-ed25519 AAAAC3Nz" || name != "Ana's phone" {
		t.Errorf("ParseRegister() = %q, %q", key, name)
	}

	if _, name, _ := pairing.ParseRegister("zedra-register-key ssh-ed25519 AAAA"); name != "device" {
		t.Errorf("default name = %q, want device", name)
	}
	if _, _, err := pairing.ParseRegister("rm -rf /"); err == nil {
		t.Error("ParseRegister accepted a foreign command")
	}
}
