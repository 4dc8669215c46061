package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanlethanh/zedra/internal/logging"
	"github.com/tanlethanh/zedra/internal/pairing"
	"github.com/tanlethanh/zedra/internal/sshkeys"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"
)

const (
	roleExtension   = "zedra-role"
	deviceExtension = "zedra-device"

	rolePair     = "pair"
	roleDevice   = "device"
	rolePassword = "password"

	handshakeTimeout = 15 * time.Second
	defaultTokenTTL  = 5 * time.Minute
)

var ErrServerClosed = errors.New("host: server closed")

type Config struct {
	// HostKeyPath is created on first start. Empty uses an ephemeral key.
	HostKeyPath string
	// AdvertiseHost and AdvertisePort go into pairing payloads. Defaults are
	// a LAN address and the listening port.
	AdvertiseHost string
	AdvertisePort int
	Name          string
	TokenTTL      time.Duration
	Shell         ShellHandler

	AuditRetentionDays int
	RateLimitPerMinute int
	// AllowedSources restricts client source addresses, see
	// ParseSourceFilter. Empty allows any source.
	AllowedSources string
	// RekeyThreshold is the byte count after which the server starts a new
	// key exchange. Zero keeps the x/crypto default.
	RekeyThreshold uint64
}

// Server is the host side of zedra: an SSH server that accepts pairing
// connections with one-time tokens and shell connections from paired
// devices.
type Server struct {
	cfg         Config
	db          *gorm.DB
	hostKey     ssh.Signer
	fingerprint string
	sshConfig   *ssh.ServerConfig
	log         zerolog.Logger

	Tokens  *TokenStore
	Devices *Registry
	Audit   *Auditor
	limiter *RateLimiter
	sources *SourceFilter

	mu       sync.Mutex
	listener net.Listener
	conns    map[*ssh.ServerConn]string
	closed   bool
	wg       sync.WaitGroup
}

func New(db *gorm.DB, cfg Config) (*Server, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if cfg.HostKeyPath != "" {
		signer, err = sshkeys.LoadOrCreateHostKey(cfg.HostKeyPath)
	} else {
		var pem []byte
		if _, pem, err = sshkeys.GenerateKeyPair(); err == nil {
			signer, err = sshkeys.ParsePrivateKey(pem)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	sources, err := ParseSourceFilter(cfg.AllowedSources)
	if err != nil {
		return nil, fmt.Errorf("allowed sources: %w", err)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Shell == nil {
		cfg.Shell = &PTYShell{Log: logging.Module("shell")}
	}

	log := logging.Module("host")
	s := &Server{
		cfg:         cfg,
		db:          db,
		hostKey:     signer,
		fingerprint: sshkeys.Fingerprint(signer.PublicKey()),
		log:         log,
		Tokens:      NewTokenStore(db),
		Devices:     NewRegistry(db),
		Audit:       NewAuditor(db, cfg.AuditRetentionDays, logging.Module("audit")),
		limiter:     NewRateLimiter(cfg.RateLimitPerMinute),
		sources:     sources,
		conns:       make(map[*ssh.ServerConn]string),
	}
	s.sshConfig = &ssh.ServerConfig{
		PasswordCallback:  s.passwordCallback,
		PublicKeyCallback: s.publicKeyCallback,
		ServerVersion:     "SSH-2.0-zedra",
	}
	s.sshConfig.RekeyThreshold = cfg.RekeyThreshold
	s.sshConfig.AddHostKey(signer)
	return s, nil
}

// Fingerprint is the SHA256 fingerprint of the host key that clients pin.
func (s *Server) Fingerprint() string { return s.fingerprint }

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Close. It returns ErrServerClosed
// after Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Info().Str("addr", l.Addr().String()).Str("fingerprint", s.fingerprint).Msg("host listening")
	for {
		nc, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

// Close stops accepting, drops every connection and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) passwordCallback(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	ip := remoteIP(meta.RemoteAddr())
	switch meta.User() {
	case pairing.PairUser:
		if err := s.Tokens.Consume(string(password)); err != nil {
			s.Audit.Log(AuditEntry{EventType: EventAuthFailed, Username: meta.User(), SourceIP: ip, Details: err.Error()})
			return nil, err
		}
		return &ssh.Permissions{Extensions: map[string]string{roleExtension: rolePair}}, nil
	case pairing.DeviceUser:
		if checkPassword(s.db, string(password)) {
			return &ssh.Permissions{Extensions: map[string]string{roleExtension: rolePassword}}, nil
		}
	}
	s.Audit.Log(AuditEntry{EventType: EventAuthFailed, Username: meta.User(), SourceIP: ip, Details: "password rejected"})
	return nil, fmt.Errorf("password rejected for %q", meta.User())
}

func (s *Server) publicKeyCallback(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if meta.User() != pairing.DeviceUser {
		return nil, fmt.Errorf("public key login not allowed for %q", meta.User())
	}
	fp := sshkeys.Fingerprint(key)
	dev, ok, err := s.Devices.FindByFingerprint(fp)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.Audit.Log(AuditEntry{EventType: EventAuthFailed, Username: meta.User(), SourceIP: remoteIP(meta.RemoteAddr()), Details: "unknown key " + fp})
		return nil, errors.New("unknown device key")
	}
	return &ssh.Permissions{Extensions: map[string]string{
		roleExtension:   roleDevice,
		deviceExtension: dev.ID,
	}}, nil
}

func (s *Server) handleConn(nc net.Conn) {
	ip := remoteIP(nc.RemoteAddr())
	if !s.sources.Allowed(ip) {
		s.Audit.Log(AuditEntry{EventType: EventSourceBlocked, SourceIP: ip, Details: "allowed: " + s.sources.String()})
		nc.Close()
		return
	}
	if err := s.limiter.Allow(ip); err != nil {
		s.Audit.Log(AuditEntry{EventType: EventRateLimited, SourceIP: ip, Details: err.Error()})
		nc.Close()
		return
	}

	nc.SetDeadline(time.Now().Add(handshakeTimeout))
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.sshConfig)
	if err != nil {
		s.limiter.RecordFailure(ip)
		s.log.Debug().Err(err).Str("ip", ip).Msg("handshake failed")
		nc.Close()
		return
	}
	nc.SetDeadline(time.Time{})
	s.limiter.RecordSuccess(ip)

	role := conn.Permissions.Extensions[roleExtension]
	deviceID := conn.Permissions.Extensions[deviceExtension]
	if !s.track(conn, deviceID) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	start := time.Now()
	s.Audit.Log(AuditEntry{EventType: EventAuthSuccess, DeviceID: deviceID, Username: conn.User(), SourceIP: ip, Details: "role=" + role})
	if deviceID != "" {
		if err := s.Devices.Touch(deviceID); err != nil {
			s.log.Warn().Err(err).Msg("touch device")
		}
	}

	go handleGlobalRequests(reqs)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	c := &hostConn{srv: s, conn: conn, role: role, deviceID: deviceID, ip: ip}
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serveSession(ctx, ch, creqs)
		}()
	}
	cancel()
	wg.Wait()

	s.Audit.Log(AuditEntry{
		EventType:  EventDisconnected,
		DeviceID:   deviceID,
		Username:   conn.User(),
		SourceIP:   ip,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(req.Type == "keepalive@openssh.com", nil)
		}
	}
}

func (s *Server) track(conn *ssh.ServerConn, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = deviceID
	return true
}

func (s *Server) untrack(conn *ssh.ServerConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// RevokeDevice deletes a device and drops its live connections.
func (s *Server) RevokeDevice(id string) error {
	dev, err := s.Devices.Revoke(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	dropped := 0
	for c, devID := range s.conns {
		if devID == dev.ID {
			c.Close()
			dropped++
		}
	}
	s.mu.Unlock()

	s.Audit.Log(AuditEntry{EventType: EventDeviceRevoked, DeviceID: dev.ID, Details: fmt.Sprintf("name=%s dropped=%d", dev.Name, dropped)})
	return nil
}

// ActiveConnections reports the number of authenticated connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// IssuePairing mints a one-time token and returns the payload a client
// scans to pair with this host.
func (s *Server) IssuePairing() (pairing.Payload, error) {
	token, expires, err := s.Tokens.Issue(s.cfg.TokenTTL)
	if err != nil {
		return pairing.Payload{}, err
	}
	host := s.cfg.AdvertiseHost
	if host == "" {
		host = advertiseAddress()
	}
	port := s.cfg.AdvertisePort
	if port == 0 {
		if addr, ok := s.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}
	p := pairing.Payload{
		Host:        host,
		Port:        port,
		Token:       token,
		Fingerprint: s.fingerprint,
		Expires:     expires,
		Name:        s.cfg.Name,
	}
	s.Audit.Log(AuditEntry{EventType: EventTokenIssued, Details: "expires=" + expires.UTC().Format(time.RFC3339)})
	return p, nil
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// advertiseAddress picks the first private IPv4 address, falling back to
// loopback.
func advertiseAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && ip4.IsPrivate() {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
