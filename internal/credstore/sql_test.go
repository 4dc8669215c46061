package credstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tanlethanh/zedra/internal/database"
)

func TestSQLStoreEncryptsPrivateKey(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	defer database.Close(db)
	s := NewSQLStore(db)

	cred, priv := testCredential(t, "SHA256:enc")
	if _, err := s.Save(context.Background(), cred, priv); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	var row database.Credential
	if err := db.First(&row, "host_fingerprint = ?", "SHA256:enc").Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.PrivateKey == "" || strings.Contains(row.PrivateKey, "PRIVATE KEY") {
		t.Errorf("private key stored in clear: %q", row.PrivateKey)
	}
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	db, err := database.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cred, priv := testCredential(t, "SHA256:persist")
	if _, err := NewSQLStore(db).Save(context.Background(), cred, priv); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	database.Close(db)

	db, err = database.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer database.Close(db)
	s := NewSQLStore(db)
	if _, ok, _ := s.Lookup(context.Background(), "SHA256:persist"); !ok {
		t.Fatal("credential lost across reopen")
	}
	if _, err := s.Sign(context.Background(), "SHA256:persist", []byte("c")); err != nil {
		t.Errorf("Sign() after reopen: %v", err)
	}
}
