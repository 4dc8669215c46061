package host

import (
	"fmt"

	"github.com/tanlethanh/zedra/internal/database"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const passwordSetting = "host_password_hash"

const minPasswordLen = 8

// SetPassword stores a bcrypt hash of the fallback password for user zedra.
// An empty password disables password login.
func SetPassword(db *gorm.DB, password string) error {
	if password == "" {
		err := database.DeleteSetting(db, passwordSetting)
		if err != nil {
			return fmt.Errorf("clear password: %w", err)
		}
		return nil
	}
	if len(password) < minPasswordLen {
		return fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return database.SetSetting(db, passwordSetting, string(hash))
}

func checkPassword(db *gorm.DB, password string) bool {
	hash, err := database.GetSetting(db, passwordSetting)
	if err != nil || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
