package main

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// tokenExpiryBuffer is how far before actual expiry we consider a CopilotToken expired to avoid races
const tokenExpiryBuffer = 10 * time.Second

type CopilotToken struct {
	Token  string `json:"token"`
	Expiry int64  `json:"expires_at"`
}

func (t CopilotToken) valid(now time.Time) bool {
	return time.Unix(t.Expiry, 0).Sub(now) > tokenExpiryBuffer
}

// TokenCache maps GitHub access tokens to Copilot tokens. When filename is
// set the cache is persisted after every change.
type TokenCache struct {
	logger   *slog.Logger
	mu       sync.Mutex
	saveMu   sync.Mutex
	cache    map[string]CopilotToken
	timer    *time.Timer
	filename string
	closed   bool
	writes   sync.WaitGroup
}

func NewTokenCache(logger *slog.Logger, filename string) *TokenCache {
	tc := &TokenCache{
		logger:   logger.With(slog.String("service", "token_cache")),
		cache:    make(map[string]CopilotToken),
		filename: filename,
	}

	if filename != "" {
		loaded, err := LoadTokensFromFile(tc.logger, filename)
		if err == nil && len(loaded) > 0 {
			tc.cache = loaded
			tc.logger.Info("loaded tokens from storage", slog.Int("count", len(loaded)))
		}
	}

	tc.scheduleCleanup()
	return tc
}

func (tc *TokenCache) Set(key string, token CopilotToken) {
	tc.mu.Lock()
	tc.cache[key] = token
	tc.mu.Unlock()

	tc.persistAsync()
	tc.scheduleCleanup()
}

func (tc *TokenCache) Get(key string) (CopilotToken, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	token, ok := tc.cache[key]
	if !ok || !token.valid(time.Now()) {
		delete(tc.cache, key)
		return CopilotToken{}, false
	}
	return token, true
}

// Valid returns the access tokens whose Copilot token is still usable,
// sorted for stable output.
func (tc *TokenCache) Valid() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	now := time.Now()
	var keys []string
	for k, v := range tc.cache {
		if v.valid(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Flush writes the cache to disk synchronously.
func (tc *TokenCache) Flush() error {
	if tc.filename == "" {
		return nil
	}
	tc.saveMu.Lock()
	defer tc.saveMu.Unlock()
	return SaveTokensToFile(tc.logger, tc.filename, tc.snapshot())
}

// Close stops the eviction timer and waits for queued writes. Changes made
// after Close are kept in memory only; call Flush to write them.
func (tc *TokenCache) Close() {
	tc.mu.Lock()
	tc.closed = true
	if tc.timer != nil {
		tc.timer.Stop()
		tc.timer = nil
	}
	tc.mu.Unlock()

	tc.writes.Wait()
}

func (tc *TokenCache) persistAsync() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed || tc.filename == "" {
		return
	}
	tc.writes.Add(1)
	go func() {
		defer tc.writes.Done()
		tc.persist()
	}()
}

func (tc *TokenCache) persist() {
	if err := tc.Flush(); err != nil {
		tc.logger.Error("failed to save tokens", slog.Any("error", err))
	}
}

func (tc *TokenCache) snapshot() map[string]CopilotToken {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make(map[string]CopilotToken, len(tc.cache))
	for k, v := range tc.cache {
		out[k] = v
	}
	return out
}

func (tc *TokenCache) scheduleCleanup() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.timer != nil {
		tc.timer.Stop()
		tc.timer = nil
	}
	if tc.closed {
		return
	}

	var earliestEvict time.Time
	for _, v := range tc.cache {
		// schedule eviction tokenExpiryBuffer before actual expiry
		evict := time.Unix(v.Expiry, 0).Add(-tokenExpiryBuffer)
		if earliestEvict.IsZero() || evict.Before(earliestEvict) {
			earliestEvict = evict
		}
	}
	if earliestEvict.IsZero() {
		return
	}
	duration := time.Until(earliestEvict)
	if duration <= 0 {
		duration = time.Second
	}
	tc.timer = time.AfterFunc(duration, tc.cleanup)
}

func (tc *TokenCache) cleanup() {
	tc.mu.Lock()
	now := time.Now()
	removed := 0
	for k, v := range tc.cache {
		if !v.valid(now) {
			delete(tc.cache, k)
			removed++
		}
	}
	tc.mu.Unlock()

	if removed > 0 {
		tc.logger.Debug("evicted expired tokens", slog.Int("count", removed))
		tc.persistAsync()
	}
	tc.scheduleCleanup()
}
