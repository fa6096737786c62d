package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/config"
	transporthttp "github.com/vovakirdan/wirepush/internal/transport/http"
)

const tokenTTL = 24 * time.Hour

// AuthServer runs the channel authorization endpoint.
type AuthServer struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	log             *zerolog.Logger
}

// NewAuthServer constructs the auth server with provided configuration.
func NewAuthServer(cfg *config.Config, logger *zerolog.Logger) (*AuthServer, error) {
	opts, err := AuthServerOptions(cfg)
	if err != nil {
		return nil, err
	}
	serverLog := logger.With().Str("component", "auth-server").Logger()

	return &AuthServer{
		server:          transporthttp.NewServer(opts, cfg.AuthServer, &serverLog),
		shutdownTimeout: cfg.AuthServer.ShutdownTimeout,
		log:             &serverLog,
	}, nil
}

// AuthServerOptions derives the signer and identity settings from cfg.
func AuthServerOptions(cfg *config.Config) (transporthttp.Options, error) {
	sc := cfg.AuthServer
	key := sc.AppKey
	if key == "" {
		key = cfg.Key
	}
	if key == "" || sc.AppSecret == "" {
		return transporthttp.Options{}, errors.New("auth server needs an app key and secret")
	}

	signer := &auth.Signer{Key: key, Secret: sc.AppSecret}
	if sc.EncryptionMasterKey != "" {
		master, err := decodeMasterKey(sc.EncryptionMasterKey)
		if err != nil {
			return transporthttp.Options{}, err
		}
		signer.EncryptionMasterKey = master
	}

	opts := transporthttp.Options{
		Signer:     signer,
		RequireJWT: sc.RequireJWT,
		RateLimit:  sc.RateLimit,
	}
	if sc.JWTSecret != "" {
		opts.JWT = JWTConfig(cfg)
	} else if sc.RequireJWT {
		return transporthttp.Options{}, errors.New("require_jwt is set but jwt_secret is empty")
	}
	return opts, nil
}

// JWTConfig returns the bearer token settings of the auth server.
func JWTConfig(cfg *config.Config) *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(cfg.AuthServer.JWTSecret),
		Issuer:   cfg.AuthServer.JWTIssuer,
		Audience: cfg.AuthServer.JWTAudience,
		TTL:      tokenTTL,
	}
}

func decodeMasterKey(s string) ([]byte, error) {
	master, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode encryption master key: %w", err)
	}
	if len(master) != auth.KeySize {
		return nil, fmt.Errorf("encryption master key must be %d bytes, got %d", auth.KeySize, len(master))
	}
	return master, nil
}

// Handler exposes the HTTP handler.
func (a *AuthServer) Handler() stdhttp.Handler {
	return a.server.Handler
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *AuthServer) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("auth server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-serverErr
	}
}
