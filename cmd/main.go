package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/chapter-chat/internal/config"
	"github.com/weiawesome/chapter-chat/internal/directory"
	"github.com/weiawesome/chapter-chat/internal/handler"
	"github.com/weiawesome/chapter-chat/internal/hub"
	"github.com/weiawesome/chapter-chat/internal/membership"
	"github.com/weiawesome/chapter-chat/internal/service"
	"github.com/weiawesome/chapter-chat/internal/store"
	"github.com/weiawesome/chapter-chat/pkg/jwt"
	"github.com/weiawesome/chapter-chat/pkg/log"
	"github.com/weiawesome/chapter-chat/pkg/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := log.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Init(log.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "chapter-chat",
	})
	l := log.L()
	l.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting chapter chat gateway")

	// Initialize message store
	msgStore, err := newStore(cfg)
	if err != nil {
		l.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to initialize message store")
	}
	l.Info().Str("driver", cfg.Store.Driver).Msg("message store ready")

	// Initialize membership oracle
	oracle := membership.NewHTTPClient(cfg.Membership.BaseURL, cfg.Membership.Timeout)
	l.Info().Str("base_url", cfg.Membership.BaseURL).Dur("timeout", cfg.Membership.Timeout).Msg("membership oracle configured")

	// Optional user directory
	var resolver directory.Resolver
	if cfg.Directory.BaseURL != "" {
		resolver = directory.NewHTTPClient(cfg.Directory.BaseURL, cfg.Directory.Timeout, cfg.Directory.CacheTTL)
		l.Info().Str("base_url", cfg.Directory.BaseURL).Msg("user directory configured")
	}

	// Optional token binding
	var auth *middleware.AuthMiddleware
	if cfg.Auth.JWTSecret != "" {
		auth = middleware.NewAuthMiddleware(jwt.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer))
		l.Info().Msg("token identity binding enabled")
	}

	wsHub := hub.NewHub()

	chatSvc := service.NewChatService(wsHub, msgStore, oracle, resolver, service.Options{
		JoinTimeout:      cfg.Membership.Timeout,
		Retention:        cfg.Retention.Window,
		SweepInterval:    cfg.Retention.SweepInterval,
		DirectoryTimeout: cfg.Directory.Timeout,
	})

	ctx, cancel := context.WithCancel(log.WithLogger(context.Background(), l))
	defer cancel()

	if err := chatSvc.Start(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to start chat service")
	}
	defer func() {
		if err := chatSvc.Stop(); err != nil {
			l.Error().Err(err).Msg("failed to stop chat service")
		}
	}()

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(log.GinMiddleware(l))

	handler.NewHTTPHandler(chatSvc, cfg.History, auth).RegisterRoutes(router)
	handler.NewWSHandler(wsHub, chatSvc, cfg.WebSocket, auth).RegisterRoutes(router)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		l.Info().Str("addr", server.Addr).Msg("chapter chat gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info().Msg("shutting down chapter chat gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("server forced to shutdown")
	}

	l.Info().Msg("chapter chat gateway stopped")
}

func newStore(cfg *config.Config) (store.MessageStore, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory, "":
		return store.NewMemoryStore(nil), nil
	case config.StoreDriverRedis:
		return store.NewRedisStore(store.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, nil)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
