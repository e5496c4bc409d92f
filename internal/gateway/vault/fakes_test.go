package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/database"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

var testHashParams = HashParams{
	Memory:      64,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

type memProxyStore struct {
	mu      sync.Mutex
	creds   []models.ProxyCredential
	touches map[string]int
}

func newMemProxyStore() *memProxyStore {
	return &memProxyStore{touches: map[string]int{}}
}

func (s *memProxyStore) CountActiveProxyCredentials(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.creds {
		if c.UserID == userID && c.IsActive {
			n++
		}
	}
	return n, nil
}

func (s *memProxyStore) InsertProxyCredential(_ context.Context, cred *models.ProxyCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred.IsActive = true
	cred.CreatedAt = time.Now()
	s.creds = append(s.creds, *cred)
	return nil
}

func (s *memProxyStore) ListActiveProxyCredentials(_ context.Context) ([]models.ProxyCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProxyCredential
	for _, c := range s.creds {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memProxyStore) ListProxyCredentials(_ context.Context, userID string) ([]models.ProxyCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProxyCredential
	for _, c := range s.creds {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memProxyStore) TouchProxyCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches[id]++
	for i := range s.creds {
		if s.creds[i].ID == id {
			s.creds[i].RequestCount++
		}
	}
	return nil
}

func (s *memProxyStore) DeactivateProxyCredential(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.creds {
		c := &s.creds[i]
		if c.ID == id && c.UserID == userID && c.IsActive {
			c.IsActive = false
			return nil
		}
	}
	return database.ErrNotFound
}

type memProviderStore struct {
	mu    sync.Mutex
	seq   int
	creds []models.ProviderCredential
}

func (s *memProviderStore) InsertProviderCredential(_ context.Context, cred *models.ProviderCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	cred.ID = fmt.Sprintf("key-%d", s.seq)
	cred.IsActive = true
	cred.CreatedAt = time.Unix(int64(s.seq), 0)
	s.creds = append(s.creds, *cred)
	return nil
}

func (s *memProviderStore) GetActiveProviderCredential(_ context.Context, userID, provider string) (*models.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.creds) - 1; i >= 0; i-- {
		c := s.creds[i]
		if c.UserID == userID && c.Provider == provider && c.IsActive {
			return &c, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memProviderStore) ListProviderCredentials(_ context.Context, userID string) ([]models.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProviderCredential
	for _, c := range s.creds {
		if c.UserID == userID && c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memProviderStore) TouchProviderCredential(_ context.Context, id string) error {
	return nil
}

func (s *memProviderStore) DeactivateProviderCredential(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.creds {
		c := &s.creds[i]
		if c.ID == id && c.UserID == userID && c.IsActive {
			c.IsActive = false
			return nil
		}
	}
	return database.ErrNotFound
}

// set replaces the stored row, used to simulate tampering
func (s *memProviderStore) set(cred models.ProviderCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.creds {
		if s.creds[i].ID == cred.ID {
			s.creds[i] = cred
		}
	}
}
