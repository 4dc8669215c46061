package host

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/tanlethanh/zedra/internal/database"
	"github.com/tanlethanh/zedra/internal/logutil"
	"gorm.io/gorm"
)

const (
	EventTokenIssued   = "pairing_token_issued"
	EventDevicePaired  = "device_paired"
	EventAuthSuccess   = "auth_success"
	EventAuthFailed    = "auth_failed"
	EventRateLimited   = "rate_limited"
	EventSourceBlocked = "source_blocked"
	EventDeviceRevoked = "device_revoked"
	EventShellStart    = "shell_start"
	EventShellEnd      = "shell_end"
	EventDisconnected  = "disconnected"
)

const DefaultRetentionDays = 90

type AuditEntry struct {
	EventType  string
	DeviceID   string
	Username   string
	SourceIP   string
	Details    string
	DurationMs int64
}

// Auditor writes security-relevant events to the audit table and the log.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	log           zerolog.Logger
	nowFn         func() time.Time
}

func NewAuditor(db *gorm.DB, retentionDays int, log zerolog.Logger) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, log: log, nowFn: time.Now}
}

func (a *Auditor) Log(entry AuditEntry) {
	record := database.AuditLog{
		EventType: entry.EventType,
		DeviceID:  entry.DeviceID,
		Username:  logutil.SanitizeForLog(entry.Username),
		SourceIP:  entry.SourceIP,
		Details:   logutil.SanitizeForLog(entry.Details),
		Duration:  entry.DurationMs,
	}
	if err := a.db.Create(&record).Error; err != nil {
		a.log.Error().Err(err).Msg("failed to write audit log")
	}
	a.log.Info().
		Str("event", entry.EventType).
		Str("device", entry.DeviceID).
		Str("user", record.Username).
		Str("ip", entry.SourceIP).
		Str("details", record.Details).
		Msg("audit")
}

type AuditQuery struct {
	EventType string
	DeviceID  string
	Since     *time.Time
	Limit     int
	Offset    int
}

type AuditResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

func (a *Auditor) Query(q AuditQuery) (*AuditResult, error) {
	tx := a.db.Model(&database.AuditLog{})
	if q.EventType != "" {
		tx = tx.Where("event_type = ?", q.EventType)
	}
	if q.DeviceID != "" {
		tx = tx.Where("device_id = ?", q.DeviceID)
	}
	if q.Since != nil {
		tx = tx.Where("created_at >= ?", *q.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	q.Limit = min(q.Limit, 1000)

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(q.Offset).Limit(q.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &AuditResult{Entries: entries, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// PurgeOlderThan deletes entries older than days (the retention period when
// days <= 0).
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	res := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		a.log.Info().Int64("rows", res.RowsAffected).Int("days", days).Msg("purged audit log")
	}
	return res.RowsAffected, nil
}
