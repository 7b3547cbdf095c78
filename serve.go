package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"copilot-unstream/internal/config"
	"copilot-unstream/internal/logger"
	"copilot-unstream/internal/tokenizer"
	"copilot-unstream/unstream"
)

func newServeCmd(configPath *string) *cobra.Command {
	var cliOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and the login page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			if cliOnly {
				return runCLIOnly(cmd, cfg)
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().String("listen", config.DefaultListenAddr, "address to listen on")
	cmd.Flags().String("token-file", config.DefaultTokenFile, "token storage file")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&cliOnly, "cli-only", false, "print cached tokens and exit without starting the server")
	return cmd
}

// runCLIOnly prints the cached tokens after verifying them and fails when
// there is none.
func runCLIOnly(cmd *cobra.Command, cfg config.Config) error {
	log := provideLogger(cfg)
	cache := NewTokenCache(log, cfg.Copilot.TokenFile)
	defer cache.Close()

	auth := newCopilotAuth(log, cfg)
	if auth.verifyCachedTokens(cmd.Context(), cache) == 0 {
		return fmt.Errorf("no valid tokens found; run `token login` or serve without --cli-only and visit http://%s", cfg.Server.Listen)
	}
	if err := printTokens(cmd.OutOrStdout(), cache); err != nil {
		return err
	}
	return cache.Flush()
}

func runServe(cfg config.Config) error {
	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideTokenCache,
			newCopilotAuth,
			provideTokenCounter,
			provideAssembler,
			newProxyServer,
		),
		fx.Invoke(startServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideTokenCache(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *TokenCache {
	cache := NewTokenCache(log, cfg.Copilot.TokenFile)
	log.Info("using token storage file", slog.String("file", cfg.Copilot.TokenFile))
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
		cache.Close()
		return cache.Flush()
	}})
	return cache
}

func provideTokenCounter(log *slog.Logger, cfg config.Config) unstream.TokenCounter {
	return tokenizer.New(log, cfg.Unstream.DefaultEncoding)
}

func provideAssembler(counter unstream.TokenCounter, log *slog.Logger) *unstream.Assembler {
	return unstream.NewAssembler(counter, unstream.WithLogger(log))
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *proxyServer, auth *copilotAuth, cache *TokenCache, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if n := auth.verifyCachedTokens(context.Background(), cache); n > 0 {
					log.Info("found valid cached tokens", slog.Int("count", n))
				} else {
					log.Info("no valid tokens found in cache, authenticate via the web interface")
				}
			}()
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
