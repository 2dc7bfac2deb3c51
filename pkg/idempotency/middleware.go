// Package idempotency replays stored responses for repeated state-changing
// requests carrying the same Idempotency-Key header.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// HeaderIdempotencyKey is the HTTP header for idempotency key
	HeaderIdempotencyKey = "Idempotency-Key"

	// MaxBodySize is the maximum request body size hashed for idempotency (1MB)
	MaxBodySize = 1 << 20

	// DefaultTTL is how long a stored response is replayed
	DefaultTTL = 24 * time.Hour
)

var (
	// ErrNotFound is returned by a Store when no live record exists
	ErrNotFound = errors.New("idempotency key not found")

	ErrInvalidKey = errors.New("idempotency key must be 8-128 characters of [A-Za-z0-9_-:.]")

	keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{8,128}$`)
)

// Record is a stored response for one idempotency key
type Record struct {
	Key            string    `json:"key"`
	RequestPath    string    `json:"request_path"`
	RequestMethod  string    `json:"request_method"`
	RequestHash    string    `json:"request_hash"`
	ResponseStatus int       `json:"response_status"`
	ResponseBody   []byte    `json:"response_body"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Store persists idempotency records
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, record *Record, ttl time.Duration) error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(rec.ExpiresAt) {
		delete(s.records, key)
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Put(_ context.Context, record *Record, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Key] = *record
	return nil
}

// responseWriter wraps gin.ResponseWriter to capture response
type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// ValidateKey checks the header value shape
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

// HashRequest fingerprints a request so keys cannot be reused for different payloads
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Middleware creates an idempotency middleware. Requests without the header
// pass through untouched. Store failures fail open.
func Middleware(store Store, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		default:
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}

		if err := ValidateKey(key); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_IDEMPOTENCY_KEY",
				"message": err.Error(),
			})
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(io.LimitReader(c.Request.Body, MaxBodySize))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_REQUEST",
					"message": "Failed to read request body",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		hash := HashRequest(c.Request.Method, c.FullPath(), body)

		existing, err := store.Get(c.Request.Context(), key)
		switch {
		case err == nil:
			if existing.RequestHash != hash {
				logger.Warn("Idempotency key conflict", zap.String("idempotency_key", key))
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"code":    "IDEMPOTENCY_CONFLICT",
					"message": "Idempotency key was used with a different request",
				})
				return
			}
			logger.Info("Returning cached response",
				zap.String("idempotency_key", key),
				zap.Int("status", existing.ResponseStatus))
			c.Header("Idempotent-Replayed", "true")
			c.Data(existing.ResponseStatus, "application/json; charset=utf-8", existing.ResponseBody)
			c.Abort()
			return
		case errors.Is(err, ErrNotFound):
		default:
			logger.Error("Failed to check idempotency key", zap.String("idempotency_key", key), zap.Error(err))
			c.Next()
			return
		}

		writer := &responseWriter{ResponseWriter: c.Writer, body: bytes.NewBuffer(nil)}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		// Server errors are retryable so they are not pinned to the key
		if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
			return
		}

		record := &Record{
			Key:            key,
			RequestPath:    c.FullPath(),
			RequestMethod:  c.Request.Method,
			RequestHash:    hash,
			ResponseStatus: status,
			ResponseBody:   writer.body.Bytes(),
			ExpiresAt:      time.Now().Add(ttl),
		}
		if err := store.Put(c.Request.Context(), record, ttl); err != nil {
			logger.Error("Failed to store idempotency key", zap.String("idempotency_key", key), zap.Error(err))
		}
	}
}
