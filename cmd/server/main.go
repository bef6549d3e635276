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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agproxy/internal/account"
	"agproxy/internal/config"
	"agproxy/internal/control"
	"agproxy/internal/fdlimit"
	"agproxy/internal/integration"
	"agproxy/internal/service"
	"agproxy/internal/supervisor"
)

// CLI exit codes
const (
	exitOK            = 0
	exitPortInUse     = 2
	exitConfigInvalid = 3
	exitNoAccounts    = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfigInvalid
	}
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return exitConfigInvalid
	}

	if cfg.Auth.APIKey == "" {
		cfg.Auth.APIKey = service.GenerateAPIKey()
		log.Info().Str("api_key", cfg.Auth.APIKey).Msg("generated client API key")
	}
	if cfg.Auth.AdminKey == "" {
		cfg.Auth.AdminKey = service.GenerateAPIKey()
		log.Info().Str("admin_key", cfg.Auth.AdminKey).Msg("generated admin key")
	}

	fdlimit.Raise(4096)

	store := account.NewFileStore(cfg.Accounts.Dir)
	integ := integration.New(integration.Kind(cfg.Integration.Kind), cfg.Integration.ProfileDir)
	sup := supervisor.New(store, integ)

	if _, err := sup.Start(cfg); err != nil {
		log.Error().Err(err).Msg("failed to start proxy service")
		switch {
		case errors.Is(err, supervisor.ErrPortInUse):
			return exitPortInUse
		case errors.Is(err, supervisor.ErrNoAccounts):
			return exitNoAccounts
		default:
			return exitConfigInvalid
		}
	}

	// control surface on its own loopback listener
	gin.SetMode(gin.ReleaseMode)
	ctlEngine := gin.New()
	ctlEngine.Use(gin.Recovery())
	control.New(sup, cfg).Register(ctlEngine)

	ctlSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.BindAddr, cfg.Server.ControlPort),
		Handler: ctlEngine,
	}
	go func() {
		log.Info().Str("addr", ctlSrv.Addr).Msg("control surface listening")
		if err := ctlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("control server exited")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctlSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("forced control server shutdown")
	}
	if err := sup.Stop(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		log.Warn().Err(err).Msg("proxy shutdown error")
	}

	log.Info().Msg("server stopped")
	return exitOK
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if cfg.Log.File == "" {
		log.Logger = log.Output(console)
		return
	}
	logFile, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open log file, console only")
		log.Logger = log.Output(console)
		return
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, logFile))
}
