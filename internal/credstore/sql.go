package credstore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanlethanh/zedra/internal/crypto"
	"github.com/tanlethanh/zedra/internal/database"
	"github.com/tanlethanh/zedra/internal/logging"
	"github.com/tanlethanh/zedra/internal/logutil"
	"github.com/tanlethanh/zedra/internal/sshkeys"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"
)

// SQLStore persists credentials in sqlite. Private keys are fernet-encrypted.
type SQLStore struct {
	db  *gorm.DB
	mu  sync.RWMutex
	log zerolog.Logger
	now func() time.Time
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, log: logging.Module("credstore"), now: time.Now}
}

func (s *SQLStore) Save(ctx context.Context, cred Credential, privateKeyPEM []byte) (Credential, error) {
	cred, _, err := validateSave(cred, privateKeyPEM)
	if err != nil {
		return Credential{}, err
	}
	enc, err := crypto.Encrypt(s.db, privateKeyPEM)
	if err != nil {
		return Credential{}, fmt.Errorf("save credential: %w", err)
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := toRow(cred)
	row.PrivateKey = enc
	row.CreatedAt = s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host_fingerprint = ?", cred.HostFingerprint).Delete(&database.Credential{}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return Credential{}, fmt.Errorf("save credential: %w", err)
	}
	s.log.Info().Str("fingerprint", cred.HostFingerprint).Str("label", logutil.SanitizeForLog(cred.Label)).Msg("credential saved")
	return fromRow(row), nil
}

func (s *SQLStore) Lookup(ctx context.Context, fingerprint string) (Credential, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, err := s.find(ctx, fingerprint)
	if errors.Is(err, ErrNotFound) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	if row.InvalidatedAt != nil {
		return Credential{}, false, nil
	}
	return fromRow(row), true, nil
}

func (s *SQLStore) Forget(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.WithContext(ctx).Where("host_fingerprint = ?", fingerprint).Delete(&database.Credential{})
	if res.Error != nil {
		return fmt.Errorf("forget credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.log.Info().Str("fingerprint", fingerprint).Msg("credential forgotten")
	return nil
}

func (s *SQLStore) Invalidate(ctx context.Context, fingerprint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	res := s.db.WithContext(ctx).Model(&database.Credential{}).
		Where("host_fingerprint = ?", fingerprint).
		Updates(map[string]any{"invalidated_at": now, "invalid_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("invalidate credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.log.Warn().Str("fingerprint", fingerprint).Str("reason", reason).Msg("credential invalidated")
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []database.Credential
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]Credential, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// Sign decrypts the private key only for the duration of one signature.
func (s *SQLStore) Sign(ctx context.Context, fingerprint string, data []byte) (*ssh.Signature, error) {
	s.mu.RLock()
	row, err := s.find(ctx, fingerprint)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if row.InvalidatedAt != nil {
		return nil, ErrInvalidated
	}
	pemBytes, err := crypto.Decrypt(s.db, row.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	signer, err := sshkeys.ParsePrivateKey(pemBytes)
	clear(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signer.Sign(rand.Reader, data)
}

func (s *SQLStore) Signer(ctx context.Context, fingerprint string) (ssh.Signer, error) {
	cred, ok, err := s.Lookup(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return newStoreSigner(s, cred)
}

func (s *SQLStore) Touch(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.WithContext(ctx).Model(&database.Credential{}).
		Where("host_fingerprint = ?", fingerprint).
		Update("last_used_at", s.now())
	if res.Error != nil {
		return fmt.Errorf("touch credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) find(ctx context.Context, fingerprint string) (database.Credential, error) {
	var row database.Credential
	err := s.db.WithContext(ctx).Where("host_fingerprint = ?", fingerprint).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrNotFound
	}
	if err != nil {
		return row, fmt.Errorf("load credential: %w", err)
	}
	return row, nil
}

func toRow(c Credential) database.Credential {
	return database.Credential{
		ID:              c.ID,
		HostFingerprint: c.HostFingerprint,
		Label:           c.Label,
		Host:            c.Host,
		Port:            c.Port,
		Username:        c.Username,
		PublicKey:       c.PublicKey,
		LastUsedAt:      c.LastUsedAt,
		InvalidatedAt:   c.InvalidatedAt,
		InvalidReason:   c.InvalidReason,
	}
}

func fromRow(r database.Credential) Credential {
	return Credential{
		ID:              r.ID,
		HostFingerprint: r.HostFingerprint,
		Label:           r.Label,
		Host:            r.Host,
		Port:            r.Port,
		Username:        r.Username,
		PublicKey:       r.PublicKey,
		CreatedAt:       r.CreatedAt,
		LastUsedAt:      r.LastUsedAt,
		InvalidatedAt:   r.InvalidatedAt,
		InvalidReason:   r.InvalidReason,
	}
}
