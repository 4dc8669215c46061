package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMigrates(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "zedra.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer Close(db)

	for _, model := range []any{&Credential{}, &Setting{}, &Device{}, &PairingToken{}, &AuditLog{}} {
		if !db.Migrator().HasTable(model) {
			t.Errorf("table for %T not created", model)
		}
	}
}

func TestSettings(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "zedra.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer Close(db)

	if _, err := GetSetting(db, "missing"); !errors.Is(err, ErrSettingNotFound) {
		t.Fatalf("GetSetting(missing) error = %v, want ErrSettingNotFound", err)
	}

	if err := SetSetting(db, "k", "v1"); err != nil {
		t.Fatalf("SetSetting() error: %v", err)
	}
	if err := SetSetting(db, "k", "v2"); err != nil {
		t.Fatalf("SetSetting() overwrite error: %v", err)
	}
	got, err := GetSetting(db, "k")
	if err != nil {
		t.Fatalf("GetSetting() error: %v", err)
	}
	if got != "v2" {
		t.Errorf("GetSetting() = %q, want v2", got)
	}

	if err := DeleteSetting(db, "k"); err != nil {
		t.Fatalf("DeleteSetting() error: %v", err)
	}
	if _, err := GetSetting(db, "k"); !errors.Is(err, ErrSettingNotFound) {
		t.Errorf("setting still present after delete: %v", err)
	}
}

func TestCredentialUniqueFingerprint(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "zedra.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer Close(db)

	c1 := Credential{ID: "a", HostFingerprint: "SHA256:x", Host: "h", Port: 1, PublicKey: "p", PrivateKey: "k"}
	if err := db.Create(&c1).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	c2 := Credential{ID: "b", HostFingerprint: "SHA256:x", Host: "h", Port: 1, PublicKey: "p", PrivateKey: "k"}
	if err := db.Create(&c2).Error; err == nil {
		t.Fatal("expected unique constraint violation on host fingerprint")
	}

	var loaded Credential
	if err := db.First(&loaded, "id = ?", "a").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Username != "zedra" {
		t.Errorf("Username default = %q, want zedra", loaded.Username)
	}
	if loaded.CreatedAt.IsZero() || time.Since(loaded.CreatedAt) > time.Minute {
		t.Errorf("CreatedAt not set: %v", loaded.CreatedAt)
	}
}
