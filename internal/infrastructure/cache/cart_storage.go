package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gap-service/donation_service/internal/domain/entities"
	"github.com/gap-service/donation_service/internal/domain/services/cart"
)

// DefaultCartKey is the storage key of the persisted cart
const DefaultCartKey = "donation-cart-storage"

var (
	_ cart.Storage = (*RedisCartStorage)(nil)
	_ cart.Storage = (*FileCartStorage)(nil)
	_ cart.Storage = (*MemoryCartStorage)(nil)
)

// RedisCartStorage persists the cart as one JSON value in Redis
type RedisCartStorage struct {
	client RedisClient
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCartStorage creates a Redis backed cart storage. A zero ttl keeps
// the cart forever.
func NewRedisCartStorage(client RedisClient, key string, ttl time.Duration, logger *zap.Logger) *RedisCartStorage {
	if key == "" {
		key = DefaultCartKey
	}
	return &RedisCartStorage{client: client, key: key, ttl: ttl, logger: logger}
}

// Load returns the stored cart or an empty one on a miss
func (s *RedisCartStorage) Load(ctx context.Context) (entities.CartState, error) {
	var state entities.CartState
	err := s.client.Get(ctx, s.key, &state)
	if errors.Is(err, ErrCacheMiss) {
		s.logger.Debug("No stored cart", zap.String("key", s.key))
		return entities.NewCartState(), nil
	}
	if err != nil {
		return entities.CartState{}, fmt.Errorf("load cart: %w", err)
	}
	return state, nil
}

// Save overwrites the stored cart
func (s *RedisCartStorage) Save(ctx context.Context, state entities.CartState) error {
	if err := s.client.Set(ctx, s.key, state, s.ttl); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

// FileCartStorage persists the cart as a JSON file
type FileCartStorage struct {
	path string
	mu   sync.Mutex
}

// NewFileCartStorage creates a file backed cart storage at path
func NewFileCartStorage(path string) *FileCartStorage {
	return &FileCartStorage{path: path}
}

// Load reads the cart file. A missing file is an empty cart.
func (s *FileCartStorage) Load(ctx context.Context) (entities.CartState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return entities.NewCartState(), nil
	}
	if err != nil {
		return entities.CartState{}, fmt.Errorf("read cart file: %w", err)
	}

	var state entities.CartState
	if err := json.Unmarshal(data, &state); err != nil {
		return entities.CartState{}, fmt.Errorf("decode cart file: %w", err)
	}
	return state, nil
}

// Save writes the cart to a temp file and renames it over the old one
func (s *FileCartStorage) Save(ctx context.Context, state entities.CartState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cart dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cart file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace cart file: %w", err)
	}
	return nil
}

// MemoryCartStorage keeps the cart in process memory
type MemoryCartStorage struct {
	mu    sync.Mutex
	state *entities.CartState
	saves int
}

// NewMemoryCartStorage creates an empty in-memory storage
func NewMemoryCartStorage() *MemoryCartStorage {
	return &MemoryCartStorage{}
}

// Load returns a copy of the stored cart
func (s *MemoryCartStorage) Load(ctx context.Context) (entities.CartState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return entities.NewCartState(), nil
	}
	return s.state.Clone(), nil
}

// Save stores a copy of state
func (s *MemoryCartStorage) Save(ctx context.Context, state entities.CartState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := state.Clone()
	s.state = &c
	s.saves++
	return nil
}

// Saves returns how many times Save was called
func (s *MemoryCartStorage) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
