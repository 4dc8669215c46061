package credstore

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

type memEntry struct {
	cred   Credential
	signer ssh.Signer
}

// MemoryStore is an in-process Store for tests and throwaway sessions.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

func (m *MemoryStore) Save(_ context.Context, cred Credential, privateKeyPEM []byte) (Credential, error) {
	cred, signer, err := validateSave(cred, privateKeyPEM)
	if err != nil {
		return Credential{}, err
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	cred.CreatedAt = time.Now()
	cred.InvalidatedAt = nil
	cred.InvalidReason = ""

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[cred.HostFingerprint] = &memEntry{cred: cred, signer: signer}
	m.saves++
	return cred, nil
}

// Saves reports how many successful Save calls the store has seen.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MemoryStore) Lookup(_ context.Context, fingerprint string) (Credential, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fingerprint]
	if !ok || e.cred.Invalidated() {
		return Credential{}, false, nil
	}
	return e.cred, true, nil
}

func (m *MemoryStore) Forget(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[fingerprint]; !ok {
		return ErrNotFound
	}
	delete(m.entries, fingerprint)
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, fingerprint, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fingerprint]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	e.cred.InvalidatedAt = &now
	e.cred.InvalidReason = reason
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Credential, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.cred)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Sign(_ context.Context, fingerprint string, data []byte) (*ssh.Signature, error) {
	m.mu.RLock()
	e, ok := m.entries[fingerprint]
	var signer ssh.Signer
	var invalid bool
	if ok {
		signer, invalid = e.signer, e.cred.Invalidated()
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if invalid {
		return nil, ErrInvalidated
	}
	return signer.Sign(rand.Reader, data)
}

func (m *MemoryStore) Signer(ctx context.Context, fingerprint string) (ssh.Signer, error) {
	cred, ok, err := m.Lookup(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return newStoreSigner(m, cred)
}

func (m *MemoryStore) Touch(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fingerprint]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	e.cred.LastUsedAt = &now
	return nil
}
