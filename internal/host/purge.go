package host

import (
	"github.com/robfig/cron/v3"
)

// StartMaintenance schedules expired-token and audit-log cleanup. The
// returned cron must be stopped by the caller.
func (s *Server) StartMaintenance() (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", s.purgeTokens); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@daily", s.purgeAudit); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (s *Server) purgeTokens() {
	n, err := s.Tokens.PurgeExpired()
	if err != nil {
		s.log.Warn().Err(err).Msg("purge pairing tokens")
		return
	}
	if n > 0 {
		s.log.Debug().Int64("tokens", n).Msg("purged pairing tokens")
	}
}

func (s *Server) purgeAudit() {
	if _, err := s.Audit.PurgeOlderThan(0); err != nil {
		s.log.Warn().Err(err).Msg("purge audit log")
	}
}
