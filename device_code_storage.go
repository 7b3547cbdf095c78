package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// DeviceCodeStorage is a device authorization that was shown to the user
// but not yet completed. `token login` saves it so that an interrupted login
// can resume polling with the same user code.
type DeviceCodeStorage struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int64  `json:"interval"`
	ExpiresAt       int64  `json:"expires_at"`
}

func deviceCodeFromAuth(da *oauth2.DeviceAuthResponse) DeviceCodeStorage {
	return DeviceCodeStorage{
		DeviceCode:      da.DeviceCode,
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		Interval:        da.Interval,
		ExpiresAt:       da.Expiry.Unix(),
	}
}

func (d DeviceCodeStorage) authResponse() *oauth2.DeviceAuthResponse {
	return &oauth2.DeviceAuthResponse{
		DeviceCode:      d.DeviceCode,
		UserCode:        d.UserCode,
		VerificationURI: d.VerificationURI,
		Interval:        d.Interval,
		Expiry:          time.Unix(d.ExpiresAt, 0),
	}
}

// pendingLoginFile returns the path of the pending login next to the token file.
func pendingLoginFile(tokenFile string) string {
	return filepath.Join(filepath.Dir(tokenFile), ".copilot_device_code.json")
}

func SaveDeviceCodeToFile(filename string, deviceCode DeviceCodeStorage) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("create device code directory: %w", err)
	}
	data, err := json.MarshalIndent(deviceCode, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device code: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("write device code: %w", err)
	}
	return nil
}

// LoadDeviceCodeFromFile returns the stored device code. ok is false when
// there is none or it has expired; an expired file is removed.
func LoadDeviceCodeFromFile(logger *slog.Logger, filename string) (DeviceCodeStorage, bool) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to read device code file", slog.Any("error", err))
		}
		return DeviceCodeStorage{}, false
	}
	var deviceCode DeviceCodeStorage
	if err := json.Unmarshal(data, &deviceCode); err != nil {
		logger.Warn("ignoring malformed device code file", slog.String("file", filename), slog.Any("error", err))
		return DeviceCodeStorage{}, false
	}
	if !IsDeviceCodeValid(deviceCode, time.Now()) {
		_ = os.Remove(filename)
		return DeviceCodeStorage{}, false
	}
	return deviceCode, true
}

// IsDeviceCodeValid reports whether the device code can still be redeemed.
func IsDeviceCodeValid(deviceCode DeviceCodeStorage, now time.Time) bool {
	if deviceCode.DeviceCode == "" {
		return false
	}
	return now.Before(time.Unix(deviceCode.ExpiresAt, 0))
}
