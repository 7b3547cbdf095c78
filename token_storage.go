package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// TokenStorage is the on-disk layout of the token cache.
type TokenStorage struct {
	Tokens map[string]CopilotToken `json:"tokens"`
}

// SaveTokensToFile writes the unexpired tokens to filename with 0600
// permissions.
func SaveTokensToFile(logger *slog.Logger, filename string, tokens map[string]CopilotToken) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}

	storage := TokenStorage{Tokens: make(map[string]CopilotToken)}
	now := time.Now().Unix()
	for k, v := range tokens {
		if v.Expiry > now {
			storage.Tokens[k] = v
		}
	}

	data, err := json.MarshalIndent(storage, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}

	logger.Debug("saved tokens", slog.Int("count", len(storage.Tokens)), slog.String("file", filename))
	return nil
}

// LoadTokensFromFile reads filename and drops expired tokens. A missing file
// yields an empty map.
func LoadTokensFromFile(logger *slog.Logger, filename string) (map[string]CopilotToken, error) {
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("token file does not exist, starting with empty cache", slog.String("file", filename))
		return make(map[string]CopilotToken), nil
	}
	if err != nil {
		return make(map[string]CopilotToken), fmt.Errorf("read tokens: %w", err)
	}

	var storage TokenStorage
	if err := json.Unmarshal(data, &storage); err != nil {
		return make(map[string]CopilotToken), fmt.Errorf("unmarshal tokens: %w", err)
	}

	tokens := make(map[string]CopilotToken)
	now := time.Now().Unix()
	for k, v := range storage.Tokens {
		if v.Expiry > now {
			tokens[k] = v
		}
	}
	return tokens, nil
}
