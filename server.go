package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"copilot-unstream/internal/config"
	"copilot-unstream/unstream"
)

// proxyServer serves the login page, the device flow and the Copilot proxy.
type proxyServer struct {
	cfg       config.Config
	logger    *slog.Logger
	tokens    *TokenCache
	auth      *copilotAuth
	assembler *unstream.Assembler
	client    *http.Client
	upgrader  websocket.Upgrader
	engine    *gin.Engine
	srv       *http.Server
}

func newProxyServer(cfg config.Config, logger *slog.Logger, tokens *TokenCache, auth *copilotAuth, assembler *unstream.Assembler) *proxyServer {
	s := &proxyServer{
		cfg:       cfg,
		logger:    logger.With(slog.String("service", "proxy")),
		tokens:    tokens,
		auth:      auth,
		assembler: assembler,
		client:    http.DefaultClient,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/login", s.handleLogin)
	router.GET("/ws/poll", s.handleWebsocketPoll)
	router.POST("/chat/completions", s.handleChatCompletions)
	router.GET("/models", s.handleModels)
	router.NoRoute(s.handleIndex)
	s.engine = router

	s.srv = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *proxyServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("client_ip", c.ClientIP()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

func (s *proxyServer) Start() error {
	s.logger.Info("listening", slog.String("addr", "http://"+s.cfg.Server.Listen))
	return s.srv.ListenAndServe()
}

func (s *proxyServer) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
