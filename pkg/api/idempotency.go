package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long an accepted ingest response is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// StoredResponse is an accepted response kept for replay. Fingerprint is the
// SHA-256 of the canonical (RFC 8785) request body.
type StoredResponse struct {
	Fingerprint string    `json:"fingerprint"`
	Status      int       `json:"status"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"stored_at"`
}

// IdempotencyStore defines the interface for idempotency backends.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*StoredResponse, bool, error)
	Put(ctx context.Context, key string, resp StoredResponse) error
}

// MemoryIdempotencyStore holds responses in memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]StoredResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store. ttl <= 0 selects
// DefaultIdempotencyTTL.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{entries: make(map[string]StoredResponse), ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryIdempotencyStore) WithClock(clock func() time.Time) *MemoryIdempotencyStore {
	s.clock = clock
	return s
}

// Get implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*StoredResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.clock().Sub(e.StoredAt) >= s.ttl {
		delete(s.entries, key)
		return nil, false, nil
	}
	return &e, true, nil
}

// Put implements IdempotencyStore. The first response stored for a key wins.
func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, resp StoredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && s.clock().Sub(e.StoredAt) < s.ttl {
		return nil
	}
	resp.StoredAt = s.clock()
	s.entries[key] = resp
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryIdempotencyStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	n := 0
	for k, e := range s.entries {
		if now.Sub(e.StoredAt) >= s.ttl {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// RedisIdempotencyStore shares replay entries across instances.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a store over client. ttl <= 0 selects
// DefaultIdempotencyTTL.
func NewRedisIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, prefix: "pulse:idempotency:", ttl: ttl}
}

// Get implements IdempotencyStore.
func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*StoredResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	var resp StoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return &resp, true, nil
}

// Put implements IdempotencyStore. The first response stored for a key wins.
func (s *RedisIdempotencyStore) Put(ctx context.Context, key string, resp StoredResponse) error {
	resp.StoredAt = time.Now()
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}
	if err := s.client.SetNX(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency put: %w", err)
	}
	return nil
}

// Fingerprint hashes the RFC 8785 canonical form of a JSON body, so that key
// order and whitespace do not distinguish retries.
func Fingerprint(body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotent makes requests carrying an Idempotency-Key header take effect
// once. A retry with the same canonical body replays the stored response; the
// same key with a different body is a 409.
func Idempotent(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
			if err != nil {
				ProblemEventTooLarge.Write(w, r, "Event body exceeds 1MB")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fp, err := Fingerprint(body)
			if err != nil {
				// Not JSON: let the handler reject it.
				next.ServeHTTP(w, r)
				return
			}

			cached, found, err := store.Get(r.Context(), key)
			if err != nil {
				slog.Warn("idempotency store unavailable", "error", err)
				ProblemDependencyUnavailable.Write(w, r, "Idempotency store unavailable")
				return
			}
			if found {
				if cached.Fingerprint != fp {
					ProblemIdempotencyConflict.Write(w, r, "Idempotency-Key was already used with a different request body")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				err := store.Put(r.Context(), key, StoredResponse{
					Fingerprint: fp,
					Status:      capture.statusCode,
					Body:        capture.body.Bytes(),
				})
				if err != nil {
					slog.Warn("idempotency store write failed", "error", err)
				}
			}
		})
	}
}
