// Package app wires configuration, the realtime client, the journal and the
// auth server into runnable commands.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/config"
	"github.com/vovakirdan/wirepush/internal/core"
	"github.com/vovakirdan/wirepush/internal/store"
	"github.com/vovakirdan/wirepush/internal/store/sqlite"
	"github.com/vovakirdan/wirepush/internal/transport/ws"
)

const journalTimeout = 2 * time.Second

// Listener subscribes to the configured channels and prints every event.
type Listener struct {
	channels []string
	client   *core.Client
	journal  store.Journal
	printer  *printer
	log      *zerolog.Logger
}

// NewListener builds the client and opens the journal when configured.
func NewListener(cfg *config.Config, out io.Writer, logger *zerolog.Logger) (*Listener, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("app key is required")
	}
	l := &Listener{
		channels: cfg.Channels,
		printer:  newPrinter(out),
		log:      logger,
	}

	if cfg.JournalPath != "" {
		st, err := sqlite.New(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("init journal: %w", err)
		}
		l.journal = st
		logger.Info().Str("path", cfg.JournalPath).Msg("journal opened")
	}

	clientLog := logger.With().Str("component", "client").Logger()
	client, err := core.New(ClientOptions(cfg, &clientLog), l)
	if err != nil {
		l.cleanup()
		return nil, fmt.Errorf("init client: %w", err)
	}
	l.client = client
	return l, nil
}

// ClientOptions maps configuration onto client options.
func ClientOptions(cfg *config.Config, logger *zerolog.Logger) core.Options {
	return core.Options{
		Key:           cfg.Key,
		Cluster:       cfg.Cluster,
		Host:          cfg.Host,
		Port:          cfg.Port,
		Path:          cfg.Path,
		UseTLS:        cfg.UseTLS,
		Authenticator: Authenticator(cfg),
		AuthTimeout:   cfg.AuthTimeout,
		Transport: ws.Options{
			HandshakeTimeout:         cfg.HandshakeTimeout,
			ActivityTimeout:          cfg.ActivityTimeout,
			PongTimeout:              cfg.PongTimeout,
			WriteTimeout:             cfg.WriteTimeout,
			AutoReconnect:            cfg.AutoReconnect,
			ReconnectInitialInterval: cfg.ReconnectInitialInterval,
			ReconnectMaxInterval:     cfg.ReconnectMaxInterval,
			MaxReconnectAttempts:     cfg.MaxReconnectAttempts,
			MaxMalformedFrames:       cfg.MaxMalformedFrames,
		},
		Logger: logger,
	}
}

// Authenticator picks the remote endpoint when one is configured and falls
// back to signing locally with the auth server secret. It returns nil when
// neither is available.
func Authenticator(cfg *config.Config) auth.Authenticator {
	if cfg.AuthEndpoint != "" {
		header := http.Header{}
		for k, v := range cfg.AuthHeaders {
			header.Set(k, v)
		}
		if cfg.AuthToken != "" {
			header.Set("Authorization", "Bearer "+cfg.AuthToken)
		}
		return &auth.HTTPAuthenticator{
			Endpoint: cfg.AuthEndpoint,
			Header:   header,
			Timeout:  cfg.AuthTimeout,
		}
	}
	if cfg.AuthServer.AppSecret != "" {
		signer := &auth.Signer{Key: cfg.Key, Secret: cfg.AuthServer.AppSecret}
		if master, err := decodeMasterKey(cfg.AuthServer.EncryptionMasterKey); err == nil {
			signer.EncryptionMasterKey = master
		}
		return signer
	}
	return nil
}

// Client exposes the underlying client.
func (l *Listener) Client() *core.Client {
	return l.client
}

// Run connects, subscribes and blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	defer l.cleanup()

	if err := l.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	for _, name := range l.channels {
		if _, err := l.client.Subscribe(ctx, name); err != nil {
			l.log.Warn().Err(err).Str("channel", name).Msg("subscribe failed")
		}
	}

	<-ctx.Done()
	l.log.Info().Msg("disconnecting")
	return nil
}

// cleanup closes the client and the journal.
func (l *Listener) cleanup() {
	if l.client != nil {
		l.client.Close()
	}
	if l.journal != nil {
		if err := l.journal.Close(); err != nil {
			l.log.Warn().Err(err).Msg("failed to close journal")
		} else {
			l.log.Info().Msg("journal closed")
		}
	}
}

// ConnectionStateChanged implements core.Delegate.
func (l *Listener) ConnectionStateChanged(prev, next ws.State) {
	l.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("connection state changed")
	if l.journal == nil {
		return
	}
	rec := &store.StateRecord{From: prev.String(), To: next.String()}
	if next == ws.StateConnected && l.client != nil {
		rec.SocketID = l.client.SocketID()
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := l.journal.RecordStateChange(ctx, rec); err != nil {
		l.log.Warn().Err(err).Msg("failed to journal state change")
	}
}

// SubscriptionSucceeded implements core.Delegate.
func (l *Listener) SubscriptionSucceeded(channel string) {
	l.log.Info().Str("channel", channel).Msg("subscribed")
}

// SubscriptionError implements core.Delegate.
func (l *Listener) SubscriptionError(channel string, err error) {
	l.log.Warn().Err(err).Str("channel", channel).Msg("subscription failed")
}

// Error implements core.Delegate.
func (l *Listener) Error(err error) {
	l.log.Warn().Err(err).Msg("client error")
}

// EventReceived implements core.Delegate.
func (l *Listener) EventReceived(ev core.Event) {
	rec := &store.EventRecord{
		Channel:    ev.Channel,
		Event:      ev.Name,
		Data:       ev.Data,
		UserID:     ev.UserID,
		ReceivedAt: time.Now().UTC(),
	}
	l.printer.print(rec)
	if l.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := l.journal.RecordEvent(ctx, rec); err != nil {
		l.log.Warn().Err(err).Str("channel", ev.Channel).Msg("failed to journal event")
	}
}
