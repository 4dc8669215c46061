// Package crypto encrypts secrets at rest with a fernet key kept in the
// settings table.
package crypto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fernet/fernet-go"
	"github.com/tanlethanh/zedra/internal/database"
	"gorm.io/gorm"
)

const keySetting = "fernet_key"

var keyMu sync.Mutex

func getKey(db *gorm.DB) (*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()

	keyStr, err := database.GetSetting(db, keySetting)
	if errors.Is(err, database.ErrSettingNotFound) {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(db, keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

func Encrypt(db *gorm.DB, plaintext []byte) (string, error) {
	key, err := getKey(db)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt reverses Encrypt. Tokens never expire.
func Decrypt(db *gorm.DB, ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, errors.New("decrypt: empty token")
	}
	key, err := getKey(db)
	if err != nil {
		return nil, err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{key})
	if msg == nil {
		return nil, errors.New("decrypt: invalid token")
	}
	return msg, nil
}
