package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tanlethanh/zedra/internal/credstore"
	"github.com/tanlethanh/zedra/internal/host"
	"github.com/tanlethanh/zedra/internal/pairing"
	"github.com/tanlethanh/zedra/internal/sshkeys"
	"github.com/tanlethanh/zedra/internal/terminal"
	"github.com/tanlethanh/zedra/internal/transport/transporttest"
)

func TestConnectAndEcho(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	dialer := transporttest.NewDialer()
	sink := newTestSink()

	c := New(fastConfig(), Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), sink)
	states := kinds(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Close()

	waitKind(t, states, KindConnected, 5*time.Second)
	waitOutput(t, sink, "ready 80x24", 5*time.Second)

	sink.Send(terminal.KeysEvent([]byte("hello\n")))
	waitOutput(t, sink, "echo:hello", 5*time.Second)

	trans := c.Transitions()
	var sawAuth bool
	for _, tr := range trans {
		if tr.To.Kind() == KindAuthenticating {
			sawAuth = true
		}
	}
	if !sawAuth {
		t.Errorf("no authenticating transition in %v", trans)
	}
	if _, ok, _ := store.Lookup(context.Background(), cred.HostFingerprint); !ok {
		t.Error("credential missing after connect")
	}
	if got := sink.States(); len(got) == 0 || got[len(got)-1].Kind() != KindConnected {
		t.Errorf("sink states = %v, want last connected", got)
	}

	c.Close()
	if st := c.Stats(); st.BytesIn == 0 || st.BytesOut == 0 || st.Generation != 1 {
		t.Errorf("Stats() after Close = %+v, want traffic of one generation", st)
	}
}

func TestRekeyKeepsConnected(t *testing.T) {
	srv := startHost(t, func(cfg *host.Config) { cfg.RekeyThreshold = 256 })
	store, cred := pairWith(t, srv)
	sink := newTestSink()
	cfg := fastConfig()

	c := New(cfg, Deps{Store: store, Dialer: transporttest.NewDialer()}, FromCredential(cred.HostFingerprint), sink)
	states := kinds(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Close()
	waitKind(t, states, KindConnected, 5*time.Second)
	waitOutput(t, sink, "ready", 5*time.Second)

	chunk := strings.Repeat("z", 199) + "\n"
	for i := 0; i < 20; i++ {
		sink.Send(terminal.KeysEvent([]byte(chunk)))
	}
	deadline := time.Now().Add(5 * time.Second)
	for strings.Count(string(sink.Output()), "z") < 20*199 {
		if time.Now().After(deadline) {
			t.Fatalf("echoed %d of %d bytes", strings.Count(string(sink.Output()), "z"), 20*199)
		}
		sink.WaitFor(len(sink.Output())+1, 50*time.Millisecond)
	}

	// Stay up well past the keepalive timeout.
	time.Sleep(3 * cfg.KeepaliveTimeout)

	trans := c.Transitions()
	last := -1
	for i, tr := range trans {
		if tr.To.Kind() == KindConnected {
			last = i
			break
		}
	}
	if last < 0 || last != len(trans)-1 {
		t.Errorf("transitions after connect: %v", trans[last+1:])
	}
	if c.State().Kind() != KindConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	if got := c.Stats().Generation; got != 1 {
		t.Errorf("Generation = %d, want 1", got)
	}
}

func TestPairFromPayloadThenConnect(t *testing.T) {
	srv := startHost(t)
	p, err := srv.IssuePairing()
	if err != nil {
		t.Fatalf("IssuePairing() error: %v", err)
	}
	store := credstore.NewMemoryStore()
	dialer := transporttest.NewDialer()
	sink := newTestSink()
	deps := Deps{Store: store, Dialer: dialer, Pairer: pairing.NewCoordinator(store, dialer)}

	c := New(fastConfig(), deps, FromPayload(p), sink)
	states := kinds(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Close()

	waitKind(t, states, KindPairing, 5*time.Second)
	waitKind(t, states, KindConnected, 5*time.Second)
	if store.Saves() != 1 {
		t.Errorf("Saves() = %d, want 1", store.Saves())
	}
	if c.Fingerprint() != srv.Fingerprint() {
		t.Errorf("Fingerprint() = %q, want %q", c.Fingerprint(), srv.Fingerprint())
	}

	// The same payload with a stored credential skips pairing.
	c.Close()
	again := New(fastConfig(), deps, FromPayload(p), newTestSink())
	againStates := kinds(again)
	if err := again.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer again.Close()
	waitKind(t, againStates, KindConnected, 5*time.Second)
	for _, tr := range again.Transitions() {
		if tr.To.Kind() == KindPairing {
			t.Fatal("paired again although a credential was stored")
		}
	}
	if store.Saves() != 1 {
		t.Errorf("Saves() = %d after reconnect, want 1", store.Saves())
	}
}

func TestExpiredPayloadFails(t *testing.T) {
	srv := startHost(t)
	p, err := srv.IssuePairing()
	if err != nil {
		t.Fatalf("IssuePairing() error: %v", err)
	}
	p.Expires = time.Now().Add(-time.Minute)
	store := credstore.NewMemoryStore()
	dialer := transporttest.NewDialer()

	c := New(fastConfig(), Deps{Store: store, Dialer: dialer, Pairer: pairing.NewCoordinator(store, dialer)}, FromPayload(p), newTestSink())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-c.Done()

	f, ok := c.State().(Failed)
	if !ok || f.Reason != Expired {
		t.Fatalf("State() = %v, want failed(expired)", c.State())
	}
	if !f.RequiresPairing() {
		t.Error("expired failure should require pairing")
	}
	if dialer.Dials() != 0 {
		t.Errorf("Dials() = %d, want 0", dialer.Dials())
	}
}

func TestForgottenCredentialNeverDials(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	if err := store.Forget(context.Background(), cred.HostFingerprint); err != nil {
		t.Fatalf("Forget() error: %v", err)
	}
	dialer := transporttest.NewDialer()

	c := New(fastConfig(), Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), newTestSink())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-c.Done()

	if f, ok := c.State().(Failed); !ok || f.Reason != NotPaired {
		t.Fatalf("State() = %v, want failed(not paired)", c.State())
	}
	if dialer.Dials() != 0 {
		t.Errorf("Dials() = %d, want 0", dialer.Dials())
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrFailed) {
		t.Errorf("Start() after failure = %v, want ErrFailed", err)
	}
}

func TestIdentityChangedInvalidatesCredential(t *testing.T) {
	original := startHost(t)
	impostor := startHost(t)

	// A credential for the original host that now points at the impostor's
	// address, as if the address had been taken over.
	_, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	store := credstore.NewMemoryStore()
	where, err := impostor.IssuePairing()
	if err != nil {
		t.Fatalf("IssuePairing() error: %v", err)
	}
	cred, err := store.Save(context.Background(), credstore.Credential{
		HostFingerprint: original.Fingerprint(),
		Host:            where.Host,
		Port:            where.Port,
		Username:        pairing.DeviceUser,
	}, priv)
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	c := New(fastConfig(), Deps{Store: store, Dialer: transporttest.NewDialer()}, FromCredential(cred.HostFingerprint), newTestSink())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-c.Done()

	f, ok := c.State().(Failed)
	if !ok || f.Reason != IdentityChanged {
		t.Fatalf("State() = %v, want failed(identity changed)", c.State())
	}
	var mismatch *sshkeys.FingerprintMismatchError
	if !errors.As(f.Err, &mismatch) {
		t.Errorf("Failed.Err = %v, want FingerprintMismatchError", f.Err)
	}
	for _, tr := range c.Transitions() {
		if tr.To.Kind() == KindConnected || tr.To.Kind() == KindAuthenticating {
			t.Errorf("reached %s with the wrong host", tr.To)
		}
	}
	if _, ok, _ := store.Lookup(context.Background(), cred.HostFingerprint); ok {
		t.Error("credential still valid after identity change")
	}
}

func TestRevokedDeviceAuthRejected(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	devs, err := srv.Devices.List()
	if err != nil || len(devs) != 1 {
		t.Fatalf("Devices.List() = %v, %v", devs, err)
	}
	if err := srv.RevokeDevice(devs[0].ID); err != nil {
		t.Fatalf("RevokeDevice() error: %v", err)
	}
	dialer := transporttest.NewDialer()

	c := New(fastConfig(), Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), newTestSink())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-c.Done()

	f, ok := c.State().(Failed)
	if !ok || f.Reason != AuthRejected {
		t.Fatalf("State() = %v, want failed(auth rejected)", c.State())
	}
	if dialer.Dials() != 1 {
		t.Errorf("Dials() = %d, want 1 (auth rejection is not retried)", dialer.Dials())
	}
	if !NeedsUserAction(f) {
		t.Error("auth rejection should need user action")
	}
}

func TestUnreachableAfterMaxAttempts(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	dialer := transporttest.NewDialer()
	dialer.FailWith(errors.New("network is unreachable"))

	c := New(fastConfig(), Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), newTestSink())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-c.Done()

	if f, ok := c.State().(Failed); !ok || f.Reason != Unreachable {
		t.Fatalf("State() = %v, want failed(unreachable)", c.State())
	}
	if dialer.Dials() != 3 {
		t.Errorf("Dials() = %d, want 3", dialer.Dials())
	}
	var attempts []int
	for _, tr := range c.Transitions() {
		if s, ok := tr.To.(Connecting); ok {
			attempts = append(attempts, s.Attempt)
		}
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("connecting attempts = %v, want [1 2 3]", attempts)
	}
}

func TestUnreachableWithDefaultBudget(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	dialer := transporttest.NewDialer()
	dialer.FailWith(errors.New("network is unreachable"))

	cfg := DefaultConfig()
	cfg.Backoff = Backoff{Base: 5 * time.Millisecond, Factor: 2, Max: 20 * time.Millisecond}
	c := New(cfg, Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), newTestSink())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-c.Done()

	if f, ok := c.State().(Failed); !ok || f.Reason != Unreachable {
		t.Fatalf("State() = %v, want failed(unreachable)", c.State())
	}
	if dialer.Dials() != 5 {
		t.Errorf("Dials() = %d, want 5", dialer.Dials())
	}
	var failed int
	for _, tr := range c.Transitions() {
		if tr.To.Kind() == KindFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed transitions = %d, want 1", failed)
	}
}

func TestReconnectExhaustionWithDefaultBudget(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	dialer := transporttest.NewDialer()

	cfg := DefaultConfig()
	cfg.Backoff = Backoff{Base: 5 * time.Millisecond, Factor: 2, Max: 20 * time.Millisecond}
	cfg.FlushGrace = 100 * time.Millisecond
	c := New(cfg, Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), newTestSink())
	states := kinds(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitKind(t, states, KindConnected, 5*time.Second)

	dialer.FailWith(errors.New("network is unreachable"))
	srv.Close()

	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("still running in %v", c.State())
	}
	if f, ok := c.State().(Failed); !ok || f.Reason != ConnectionLost {
		t.Fatalf("State() = %v, want failed(connection lost)", c.State())
	}
	if dialer.Dials() != 6 {
		t.Errorf("Dials() = %d, want 1 connect + 5 reconnect attempts", dialer.Dials())
	}
	var failed int
	for _, tr := range c.Transitions() {
		if tr.To.Kind() == KindFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed transitions = %d, want 1", failed)
	}
}

func TestSilentConnectionReconnects(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	dialer := transporttest.NewDialer()
	sink := newTestSink()

	c := New(fastConfig(), Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), sink)
	states := kinds(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Close()

	waitKind(t, states, KindConnected, 5*time.Second)
	waitOutput(t, sink, "ready", 5*time.Second)
	sink.Send(terminal.KeysEvent([]byte("one\n")))
	waitOutput(t, sink, "echo:one", 5*time.Second)

	dialer.BlackholeAll()
	d := waitKind(t, states, KindDegraded, 5*time.Second).(Degraded)
	if !errors.Is(d.Cause, errKeepaliveTimeout) {
		t.Errorf("Degraded.Cause = %v, want keepalive timeout", d.Cause)
	}

	// Typed while degraded; must arrive once the new channel is up.
	sink.Send(terminal.KeysEvent([]byte("two\n")))

	conn := waitKind(t, states, KindConnecting, 5*time.Second).(Connecting)
	if !conn.Reconnect {
		t.Error("Connecting after degrade should be a reconnect")
	}
	waitKind(t, states, KindConnected, 5*time.Second)
	waitOutput(t, sink, "echo:two", 5*time.Second)

	out := string(sink.Output())
	if strings.Index(out, "echo:one") > strings.Index(out, "echo:two") {
		t.Errorf("output out of order: %q", out)
	}
	if dialer.Dials() != 2 {
		t.Errorf("Dials() = %d, want 2", dialer.Dials())
	}
	if !errors.Is(c.LastError(), errKeepaliveTimeout) {
		t.Errorf("LastError() = %v, want keepalive timeout", c.LastError())
	}
	if got := c.Stats().Generation; got != 2 {
		t.Errorf("Generation = %d, want 2", got)
	}
}

func TestReconnectExhaustionFailsOnce(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	dialer := transporttest.NewDialer()

	c := New(fastConfig(), Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), newTestSink())
	states := kinds(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitKind(t, states, KindConnected, 5*time.Second)

	dialer.FailWith(errors.New("network is down"))
	dialer.BlackholeAll()

	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("still running in %v", c.State())
	}
	if f, ok := c.State().(Failed); !ok || f.Reason != ConnectionLost {
		t.Fatalf("State() = %v, want failed(connection lost)", c.State())
	}

	dials := dialer.Dials()
	if dials != 4 {
		t.Errorf("Dials() = %d, want 1 connect + 3 reconnect attempts", dials)
	}
	time.Sleep(200 * time.Millisecond)
	if dialer.Dials() != dials {
		t.Errorf("dialed again after failure: %d -> %d", dials, dialer.Dials())
	}

	var failed, degraded int
	for _, tr := range c.Transitions() {
		switch s := tr.To.(type) {
		case Failed:
			failed++
		case Degraded:
			degraded++
			if s.Since.IsZero() {
				t.Error("Degraded.Since not set")
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed transitions = %d, want 1", failed)
	}
	if degraded == 0 {
		t.Error("no degraded transitions before failure")
	}
}

func TestRemoteExitCloses(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	dialer := transporttest.NewDialer()
	sink := newTestSink()

	c := New(fastConfig(), Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), sink)
	states := kinds(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitKind(t, states, KindConnected, 5*time.Second)
	waitOutput(t, sink, "ready", 5*time.Second)

	sink.Send(terminal.KeysEvent([]byte("exit\n")))
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("still running in %v", c.State())
	}
	if c.State().Kind() != KindClosed {
		t.Errorf("State() = %v, want closed", c.State())
	}
	if dialer.Dials() != 1 {
		t.Errorf("Dials() = %d, want 1", dialer.Dials())
	}
}

func TestCloseThenRestart(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)
	dialer := transporttest.NewDialer()
	sink := newTestSink()

	c := New(fastConfig(), Deps{Store: store, Dialer: dialer}, FromCredential(cred.HostFingerprint), sink)
	states := kinds(c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitKind(t, states, KindConnected, 5*time.Second)
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}

	c.Close()
	if c.State().Kind() != KindClosed {
		t.Fatalf("State() after Close = %v, want closed", c.State())
	}
	if _, ok, _ := store.Lookup(context.Background(), cred.HostFingerprint); !ok {
		t.Error("Close dropped the credential")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	defer c.Close()
	waitKind(t, states, KindIdle, 5*time.Second)
	waitKind(t, states, KindConnected, 5*time.Second)
}

func TestCloseFromStateCallback(t *testing.T) {
	srv := startHost(t)
	store, cred := pairWith(t, srv)

	c := New(fastConfig(), Deps{Store: store, Dialer: transporttest.NewDialer()}, FromCredential(cred.HostFingerprint), newTestSink())
	c.OnStateChange(func(tr Transition) {
		if tr.To.Kind() == KindConnected {
			c.Close()
		}
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Close from a state callback did not stop the connection: %v", c.State())
	}
	if c.State().Kind() != KindClosed {
		t.Errorf("State() = %v, want closed", c.State())
	}
}

func TestCloseBeforeStart(t *testing.T) {
	c := New(fastConfig(), Deps{Store: credstore.NewMemoryStore(), Dialer: transporttest.NewDialer()}, FromCredential("SHA256:x"), newTestSink())
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if c.State().Kind() != KindClosed {
		t.Errorf("State() = %v, want closed", c.State())
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed for a connection that never ran")
	}
}
