package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"copilot-unstream/internal/config"
)

func newTokenCmd(configPath *string) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage cached GitHub access tokens",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print the cached access tokens that are still valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			cache := NewTokenCache(provideLogger(cfg), cfg.Copilot.TokenFile)
			defer cache.Close()
			return printTokens(cmd.OutOrStdout(), cache)
		},
	}
	listCmd.Flags().String("token-file", config.DefaultTokenFile, "token storage file")

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with the GitHub device flow and cache the Copilot token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			log := provideLogger(cfg)
			return runTokenLogin(cmd.Context(), cmd.OutOrStdout(), log, cfg, newCopilotAuth(log, cfg))
		},
	}
	loginCmd.Flags().String("token-file", config.DefaultTokenFile, "token storage file")

	tokenCmd.AddCommand(listCmd, loginCmd)
	return tokenCmd
}

func printTokens(out io.Writer, cache *TokenCache) error {
	tokens := cache.Valid()
	if len(tokens) == 0 {
		_, err := fmt.Fprintln(out, "No valid tokens found.")
		return err
	}
	for _, accessToken := range tokens {
		if _, err := fmt.Fprintf(out, "Authorization: Bearer %s\n", accessToken); err != nil {
			return err
		}
	}
	return nil
}

// runTokenLogin runs the device flow in the terminal. A device code from an
// interrupted login is reused while it is still valid.
func runTokenLogin(ctx context.Context, out io.Writer, log *slog.Logger, cfg config.Config, auth *copilotAuth) error {
	cache := NewTokenCache(log, cfg.Copilot.TokenFile)
	defer cache.Close()

	pendingFile := pendingLoginFile(cfg.Copilot.TokenFile)
	var da *oauth2.DeviceAuthResponse
	if stored, ok := LoadDeviceCodeFromFile(log, pendingFile); ok {
		fmt.Fprintln(out, "Resuming previous login.")
		da = stored.authResponse()
	} else {
		var err error
		if da, err = auth.requestDeviceCode(ctx); err != nil {
			return err
		}
		if err := SaveDeviceCodeToFile(pendingFile, deviceCodeFromAuth(da)); err != nil {
			log.Warn("failed to save device code", slog.Any("error", err))
		}
	}

	fmt.Fprintf(out, "Open %s and enter the code %s\n", da.VerificationURI, da.UserCode)

	accessToken, err := auth.pollAccessToken(ctx, da)
	if err != nil {
		return err
	}
	_ = os.Remove(pendingFile)

	ct, err := auth.fetchCopilotToken(ctx, accessToken)
	if err != nil {
		return err
	}
	cache.Set(accessToken, ct)
	if err := cache.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Logged in. Use 'Authorization: Bearer %s' for /chat/completions\n", accessToken)
	return nil
}
