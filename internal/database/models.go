package database

import "time"

// Credential is the client-side record of a paired host. PrivateKey holds the
// fernet-encrypted PEM and is only ever read by the credential store's
// signing path.
type Credential struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	HostFingerprint string     `gorm:"uniqueIndex;not null" json:"host_fingerprint"`
	Label           string     `gorm:"not null;default:''" json:"label"`
	Host            string     `gorm:"not null" json:"host"`
	Port            int        `gorm:"not null" json:"port"`
	Username        string     `gorm:"not null;default:zedra" json:"username"`
	PublicKey       string     `gorm:"type:text;not null" json:"public_key"`
	PrivateKey      string     `gorm:"type:text;not null" json:"-"`
	InvalidatedAt   *time.Time `json:"invalidated_at,omitempty"`
	InvalidReason   string     `gorm:"default:''" json:"invalid_reason,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Device is a handheld client registered with the host during pairing.
type Device struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	Name            string     `gorm:"not null" json:"name"`
	PublicKey       string     `gorm:"type:text;not null" json:"public_key"`
	Fingerprint     string     `gorm:"uniqueIndex;not null" json:"fingerprint"`
	PairedAt        time.Time  `gorm:"not null" json:"paired_at"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

// PairingToken stores the SHA256 of a one-time pairing token, never the
// token itself.
type PairingToken struct {
	TokenHash  string     `gorm:"primaryKey;size:64" json:"-"`
	ExpiresAt  time.Time  `gorm:"not null;index" json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	DeviceID  string    `gorm:"index;default:''" json:"device_id,omitempty"`
	Username  string    `gorm:"default:''" json:"username"`
	SourceIP  string    `gorm:"default:''" json:"source_ip"`
	Details   string    `gorm:"type:text;default:''" json:"details"`
	Duration  int64     `gorm:"default:0" json:"duration_ms"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
