package pairing_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/tanlethanh/zedra/internal/credstore"
	"github.com/tanlethanh/zedra/internal/database"
	"github.com/tanlethanh/zedra/internal/host"
	"github.com/tanlethanh/zedra/internal/pairing"
	"github.com/tanlethanh/zedra/internal/sshkeys"
	"github.com/tanlethanh/zedra/internal/transport/transporttest"
)

func startHost(t *testing.T) *host.Server {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "host.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, err := host.New(db, host.Config{
		AdvertiseHost:      "127.0.0.1",
		AdvertisePort:      l.Addr().(*net.TCPAddr).Port,
		Name:               "test-host",
		RateLimitPerMinute: 1000,
	})
	if err != nil {
		t.Fatalf("host.New() error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(l)
	}()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})
	return srv
}

func issue(t *testing.T, srv *host.Server) pairing.Payload {
	t.Helper()
	p, err := srv.IssuePairing()
	if err != nil {
		t.Fatalf("IssuePairing() error: %v", err)
	}
	return p
}

func TestBeginPairingSavesOnce(t *testing.T) {
	srv := startHost(t)
	store := credstore.NewMemoryStore()
	dialer := transporttest.NewDialer()
	coord := pairing.NewCoordinator(store, dialer, pairing.WithDeviceName("pixel"))

	cred, err := coord.BeginPairing(context.Background(), issue(t, srv))
	if err != nil {
		t.Fatalf("BeginPairing() error: %v", err)
	}
	if store.Saves() != 1 {
		t.Errorf("Saves() = %d, want 1", store.Saves())
	}
	if cred.Username != pairing.DeviceUser || cred.Label != "test-host" || cred.HostFingerprint != srv.Fingerprint() {
		t.Errorf("credential = %+v", cred)
	}
	got, ok, err := store.Lookup(context.Background(), srv.Fingerprint())
	if err != nil || !ok || got.PublicKey != cred.PublicKey {
		t.Errorf("Lookup() = %+v, %v, %v", got, ok, err)
	}

	devs, _ := srv.Devices.List()
	if len(devs) != 1 || devs[0].Name != "pixel" {
		t.Fatalf("host devices = %+v", devs)
	}
	fp, _ := sshkeys.AuthorizedKeyFingerprint([]byte(cred.PublicKey))
	if devs[0].Fingerprint != fp {
		t.Errorf("host registered %s, client saved %s", devs[0].Fingerprint, fp)
	}
}

func TestBeginPairingExpiredNeverDials(t *testing.T) {
	store := credstore.NewMemoryStore()
	dialer := transporttest.NewDialer()
	now := time.Unix(1900000000, 0)
	coord := pairing.NewCoordinator(store, dialer, pairing.WithClock(func() time.Time { return now }))

	_, err := coord.BeginPairing(context.Background(), pairing.Payload{
		Host:        "127.0.0.1",
		Port:        1,
		Token:       "t",
		Fingerprint: testFP,
		Expires:     now,
	})
	if !errors.Is(err, pairing.ErrExpired) {
		t.Fatalf("BeginPairing() = %v, want ErrExpired", err)
	}
	if dialer.Dials() != 0 {
		t.Errorf("dialed %d times for an expired payload", dialer.Dials())
	}
	if store.Saves() != 0 {
		t.Errorf("Saves() = %d, want 0", store.Saves())
	}
}

func TestBeginPairingFingerprintMismatch(t *testing.T) {
	srv := startHost(t)
	store := credstore.NewMemoryStore()
	coord := pairing.NewCoordinator(store, transporttest.NewDialer())

	p := issue(t, srv)
	forged := p
	forged.Fingerprint = testFP

	_, err := coord.BeginPairing(context.Background(), forged)
	if !errors.Is(err, pairing.ErrFingerprintMismatch) {
		t.Fatalf("BeginPairing() = %v, want ErrFingerprintMismatch", err)
	}
	if pairing.Retryable(err) {
		t.Error("fingerprint mismatch reported as retryable")
	}
	if store.Saves() != 0 {
		t.Errorf("Saves() = %d, want 0", store.Saves())
	}

	// The token was never offered to the impostor, so it still works.
	if _, err := coord.BeginPairing(context.Background(), p); err != nil {
		t.Fatalf("BeginPairing() with real fingerprint: %v", err)
	}
}

func TestBeginPairingTokenRejected(t *testing.T) {
	srv := startHost(t)
	store := credstore.NewMemoryStore()
	coord := pairing.NewCoordinator(store, transporttest.NewDialer())

	p := issue(t, srv)
	p.Token = "0000"
	_, err := coord.BeginPairing(context.Background(), p)
	if !errors.Is(err, pairing.ErrTokenRejected) {
		t.Fatalf("BeginPairing() = %v, want ErrTokenRejected", err)
	}
	if store.Saves() != 0 {
		t.Errorf("Saves() = %d, want 0", store.Saves())
	}
}

func TestBeginPairingUnreachable(t *testing.T) {
	store := credstore.NewMemoryStore()
	dialer := transporttest.NewDialer()
	dialer.FailWith(errors.New("connection refused"))
	coord := pairing.NewCoordinator(store, dialer, pairing.WithTimeout(2*time.Second))

	_, err := coord.BeginPairing(context.Background(), pairing.Payload{
		Host:        "127.0.0.1",
		Port:        9,
		Token:       "t",
		Fingerprint: testFP,
		Expires:     time.Now().Add(time.Minute),
	})
	if !errors.Is(err, pairing.ErrTransportUnreachable) {
		t.Fatalf("BeginPairing() = %v, want ErrTransportUnreachable", err)
	}
	if !pairing.Retryable(err) {
		t.Error("unreachable host not reported as retryable")
	}
	if dialer.Dials() != 1 {
		t.Errorf("Dials() = %d, want exactly 1 (no automatic retry)", dialer.Dials())
	}
}
