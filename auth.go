package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"copilot-unstream/internal/config"
)

const (
	copilotEditorVersion = "vscode/1.85.1"
	copilotPluginVersion = "copilot-chat/0.12.2023120701"
	copilotUserAgent     = "GitHubCopilotChat/0.12.2023120701"
)

// DeviceCodeResponse is what /login hands to the browser.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int64  `json:"interval"`
}

// copilotAuth runs the GitHub device flow and exchanges GitHub access tokens
// for Copilot tokens.
type copilotAuth struct {
	logger   *slog.Logger
	oauth    *oauth2.Config
	client   *http.Client
	tokenURL string
}

func newCopilotAuth(logger *slog.Logger, cfg config.Config) *copilotAuth {
	return &copilotAuth{
		logger: logger.With(slog.String("service", "copilot_auth")),
		oauth: &oauth2.Config{
			ClientID: cfg.Copilot.ClientID,
			Endpoint: github.Endpoint,
			Scopes:   []string{"read:user"},
		},
		client:   http.DefaultClient,
		tokenURL: cfg.Copilot.TokenURL,
	}
}

func (a *copilotAuth) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

func (a *copilotAuth) requestDeviceCode(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	da, err := a.oauth.DeviceAuth(a.oauthContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	return da, nil
}

// pollAccessToken polls until the user approved the device code, ctx is done
// or the code expired.
func (a *copilotAuth) pollAccessToken(ctx context.Context, da *oauth2.DeviceAuthResponse) (string, error) {
	a.logger.Debug("polling access token", slog.Int64("interval", da.Interval))
	tok, err := a.oauth.DeviceAccessToken(a.oauthContext(ctx), da)
	if err != nil {
		return "", fmt.Errorf("poll access token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("no access token")
	}
	a.logger.Info("got access token")
	return tok.AccessToken, nil
}

func (a *copilotAuth) fetchCopilotToken(ctx context.Context, accessToken string) (CopilotToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.tokenURL, nil)
	if err != nil {
		return CopilotToken{}, err
	}
	req.Header.Set("authorization", "token "+accessToken)
	req.Header.Set("user-agent", copilotUserAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return CopilotToken{}, fmt.Errorf("fetch copilot token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Message string `json:"message"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr != nil {
			a.logger.Debug("failed to decode error response", slog.Any("error", decodeErr))
		}
		if errResp.Message != "" {
			return CopilotToken{}, errors.New(errResp.Message)
		}
		return CopilotToken{}, fmt.Errorf("failed to get copilot token: status %d", resp.StatusCode)
	}

	var ct CopilotToken
	if err := json.NewDecoder(resp.Body).Decode(&ct); err != nil {
		return CopilotToken{}, fmt.Errorf("decode copilot token: %w", err)
	}
	return ct, nil
}

// copilotToken returns the cached Copilot token for accessToken, fetching
// and caching a fresh one on a miss.
func (a *copilotAuth) copilotToken(ctx context.Context, cache *TokenCache, accessToken string) (CopilotToken, error) {
	if ct, ok := cache.Get(accessToken); ok {
		return ct, nil
	}
	a.logger.Debug("token not in cache, fetching")
	ct, err := a.fetchCopilotToken(ctx, accessToken)
	if err != nil {
		return CopilotToken{}, err
	}
	cache.Set(accessToken, ct)
	return ct, nil
}

// verifyCachedTokens refreshes every valid cached token against the
// Copilot API and returns how many are usable.
func (a *copilotAuth) verifyCachedTokens(ctx context.Context, cache *TokenCache) int {
	usable := 0
	for _, accessToken := range cache.Valid() {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ct, err := a.fetchCopilotToken(fetchCtx, accessToken)
		cancel()
		if err != nil {
			a.logger.Warn("could not verify cached token", slog.Any("error", err))
			continue
		}
		cache.Set(accessToken, ct)
		usable++
	}
	return usable
}
