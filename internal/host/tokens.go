package host

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tanlethanh/zedra/internal/database"
	"gorm.io/gorm"
)

var (
	ErrTokenUnknown  = errors.New("pairing token unknown")
	ErrTokenExpired  = errors.New("pairing token expired")
	ErrTokenConsumed = errors.New("pairing token already used")
)

// TokenStore issues single-use pairing tokens. Only their SHA256 is stored.
type TokenStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{db: db, now: time.Now}
}

// Issue creates a 32-byte random token valid for ttl.
func (t *TokenStore) Issue(ttl time.Duration) (string, time.Time, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	expires := t.now().Add(ttl).Truncate(time.Second)
	rec := database.PairingToken{TokenHash: hashToken(token), ExpiresAt: expires}
	if err := t.db.Create(&rec).Error; err != nil {
		return "", time.Time{}, fmt.Errorf("store token: %w", err)
	}
	return token, expires, nil
}

// Consume marks token used. It succeeds at most once per token.
func (t *TokenStore) Consume(token string) error {
	now := t.now()
	hash := hashToken(token)
	res := t.db.Model(&database.PairingToken{}).
		Where("token_hash = ? AND consumed_at IS NULL AND expires_at > ?", hash, now).
		Update("consumed_at", now)
	if res.Error != nil {
		return fmt.Errorf("consume token: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var rec database.PairingToken
	if err := t.db.Where("token_hash = ?", hash).First(&rec).Error; err != nil {
		return ErrTokenUnknown
	}
	if rec.ConsumedAt != nil {
		return ErrTokenConsumed
	}
	return ErrTokenExpired
}

// PurgeExpired deletes tokens that can no longer be used.
func (t *TokenStore) PurgeExpired() (int64, error) {
	res := t.db.Where("expires_at <= ? OR consumed_at IS NOT NULL", t.now()).Delete(&database.PairingToken{})
	return res.RowsAffected, res.Error
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
