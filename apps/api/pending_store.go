package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"dumpwatch/libs/dedupe"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKeyPrefix = "dumpwatch:pending:"
	pendingExpiryKey = "dumpwatch:pending:expiry"
	// Redis keeps entries past their deadline so the sweeper can still
	// read the image key of an abandoned submission.
	pendingRedisGrace = 24 * time.Hour
)

// PendingSubmission is an uploaded report waiting for the reporter to
// resolve its duplicates.
type PendingSubmission struct {
	ID             string                 `json:"id"`
	ImageURL       string                 `json:"image_url"`
	ImageKey       string                 `json:"image_key"`
	Location       dedupe.Location        `json:"location"`
	CityID         string                 `json:"city_id"`
	Description    string                 `json:"description"`
	Size           string                 `json:"size"`
	UserID         *string                `json:"user_id,omitempty"`
	OwnerHash      string                 `json:"owner_hash"`
	SimilarReports []dedupe.SimilarReport `json:"similar_reports"`
	CreatedAt      time.Time              `json:"created_at"`
	ExpiresAt      time.Time              `json:"expires_at"`
}

func (p PendingSubmission) Candidates() []string {
	ids := make([]string, 0, len(p.SimilarReports))
	for _, r := range p.SimilarReports {
		ids = append(ids, r.ID)
	}
	return ids
}

func (p PendingSubmission) expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// PendingStore keeps submissions between the duplicate check and the
// reporter's decision.
type PendingStore interface {
	Save(ctx context.Context, sub PendingSubmission) error
	// Get returns nil when the submission is unknown or expired.
	Get(ctx context.Context, id string, now time.Time) (*PendingSubmission, error)
	// Take atomically removes and returns the submission, expired or not.
	Take(ctx context.Context, id string) (*PendingSubmission, error)
	// Expired removes and returns every submission whose deadline passed.
	Expired(ctx context.Context, now time.Time) ([]PendingSubmission, error)
}

func newPendingStore(ctx context.Context, cfg *Config) (PendingStore, error) {
	if cfg.RedisAddr == "" {
		return NewMemoryPendingStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisPendingStore(client), nil
}

func pendingBackendName(cfg *Config) string {
	if cfg.RedisAddr == "" {
		return "memory"
	}
	return "redis"
}

type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]PendingSubmission
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{entries: make(map[string]PendingSubmission)}
}

func (s *MemoryPendingStore) Save(ctx context.Context, sub PendingSubmission) error {
	if sub.ID == "" {
		return errors.New("pending submission without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sub.ID] = sub
	return nil
}

func (s *MemoryPendingStore) Get(ctx context.Context, id string, now time.Time) (*PendingSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.entries[id]
	if !ok || sub.expired(now) {
		return nil, nil
	}
	return &sub, nil
}

func (s *MemoryPendingStore) Take(ctx context.Context, id string) (*PendingSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	delete(s.entries, id)
	return &sub, nil
}

func (s *MemoryPendingStore) Expired(ctx context.Context, now time.Time) ([]PendingSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingSubmission, 0)
	for id, sub := range s.entries {
		if sub.expired(now) {
			out = append(out, sub)
			delete(s.entries, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// RedisPendingStore shares pending submissions across API instances. Each
// submission is a JSON string key; a sorted set indexes them by deadline.
type RedisPendingStore struct {
	client *redis.Client
}

func NewRedisPendingStore(client *redis.Client) *RedisPendingStore {
	return &RedisPendingStore{client: client}
}

func pendingKey(id string) string {
	return pendingKeyPrefix + id
}

func (s *RedisPendingStore) Save(ctx context.Context, sub PendingSubmission) error {
	if sub.ID == "" {
		return errors.New("pending submission without id")
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	ttl := time.Until(sub.ExpiresAt) + pendingRedisGrace
	if ttl <= 0 {
		ttl = pendingRedisGrace
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, pendingKey(sub.ID), payload, ttl)
	pipe.ZAdd(ctx, pendingExpiryKey, redis.Z{Score: float64(sub.ExpiresAt.Unix()), Member: sub.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisPendingStore) Get(ctx context.Context, id string, now time.Time) (*PendingSubmission, error) {
	raw, err := s.client.Get(ctx, pendingKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	sub, err := decodePendingSubmission(raw)
	if err != nil {
		return nil, err
	}
	if sub.expired(now) {
		return nil, nil
	}
	return sub, nil
}

func (s *RedisPendingStore) Take(ctx context.Context, id string) (*PendingSubmission, error) {
	raw, err := s.client.GetDel(ctx, pendingKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.client.ZRem(ctx, pendingExpiryKey, id).Err(); err != nil {
		return nil, err
	}
	return decodePendingSubmission(raw)
}

func (s *RedisPendingStore) Expired(ctx context.Context, now time.Time) ([]PendingSubmission, error) {
	ids, err := s.client.ZRangeByScore(ctx, pendingExpiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]PendingSubmission, 0, len(ids))
	for _, id := range ids {
		sub, err := s.Take(ctx, id)
		if err != nil {
			return out, err
		}
		if sub == nil {
			// Taken by a concurrent request or evicted; drop the index entry.
			if err := s.client.ZRem(ctx, pendingExpiryKey, id).Err(); err != nil {
				return out, err
			}
			continue
		}
		out = append(out, *sub)
	}
	return out, nil
}

func decodePendingSubmission(raw []byte) (*PendingSubmission, error) {
	var sub PendingSubmission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode pending submission: %w", err)
	}
	if sub.ID == "" || sub.ExpiresAt.IsZero() {
		return nil, errors.New("decode pending submission: missing id or deadline")
	}
	return &sub, nil
}

func (a *App) startPendingSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.sweepPendingSubmissions(ctx)
			}
		}
	}()
}

// sweepPendingSubmissions releases the images of submissions nobody resolved in time.
func (a *App) sweepPendingSubmissions(ctx context.Context) int {
	expired, err := a.pending.Expired(ctx, a.clock())
	if err != nil {
		a.log.Error("failed to list expired submissions", "err", err)
	}
	for _, sub := range expired {
		a.releaseImage(ctx, sub.ImageKey, releaseReasonExpired)
		submissionResolutionsTotal.WithLabelValues(resolutionOutcomeExpired).Inc()
	}
	if len(expired) > 0 {
		a.log.Info("swept expired submissions", "count", len(expired))
	}
	return len(expired)
}
