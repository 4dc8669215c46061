package config

import (
	"github.com/tanlethanh/zedra/internal/bridge"
	"github.com/tanlethanh/zedra/internal/session"
)

// SessionConfig maps the settings onto a session.Config.
func (s Settings) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = s.ConnectTimeout
	cfg.AuthTimeout = s.AuthTimeout
	cfg.KeepaliveInterval = s.KeepaliveInterval
	cfg.KeepaliveTimeout = s.KeepaliveTimeout
	cfg.Backoff = session.Backoff{
		Base:   s.BackoffBase,
		Factor: s.BackoffFactor,
		Max:    s.BackoffMax,
		Jitter: s.BackoffJitter,
	}
	cfg.MaxAttempts = s.MaxAttempts
	if s.Term != "" {
		cfg.Term = s.Term
	}
	cfg.Bridge = bridge.Config{
		InboundQueue:  s.InboundQueueChunks,
		OutboundBytes: s.OutboundBufferBytes,
	}
	cfg.FlushGrace = s.FlushGrace
	return cfg
}
