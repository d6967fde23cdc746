package graphrelay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RegisteredClient is one dynamically registered agent client. Registrations
// are created once and never expire; the store has an explicit lifecycle
// instead of living in ambient process state.
type RegisteredClient struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirectUris,omitempty"`
	Secret       string    `json:"secret,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type ClientRegistration struct {
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirectUris,omitempty"`
}

type ClientRegistry interface {
	Register(ctx context.Context, reg ClientRegistration) (RegisteredClient, error)
	Get(ctx context.Context, id string) (RegisteredClient, error)
}

func newRegisteredClient(reg ClientRegistration, now time.Time) (RegisteredClient, error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return RegisteredClient{}, ErrInvalidInput
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return RegisteredClient{}, err
	}
	return RegisteredClient{
		ID:           uuid.NewString(),
		Name:         name,
		RedirectURIs: reg.RedirectURIs,
		Secret:       hex.EncodeToString(secretBytes),
		CreatedAt:    now.UTC(),
	}, nil
}

type MemoryClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]RegisteredClient
	now     func() time.Time
}

func NewMemoryClientRegistry() *MemoryClientRegistry {
	return &MemoryClientRegistry{
		clients: map[string]RegisteredClient{},
		now:     time.Now,
	}
}

func (r *MemoryClientRegistry) Register(ctx context.Context, reg ClientRegistration) (RegisteredClient, error) {
	client, err := newRegisteredClient(reg, r.now())
	if err != nil {
		return RegisteredClient{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
	return client, nil
}

func (r *MemoryClientRegistry) Get(ctx context.Context, id string) (RegisteredClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	if !ok {
		return RegisteredClient{}, ErrNotFound
	}
	// secrets are returned only once, at registration time
	client.Secret = ""
	return client, nil
}
