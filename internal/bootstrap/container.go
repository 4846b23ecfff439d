package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ai-docchat-client/internal/auth"
	"ai-docchat-client/internal/config"
	"ai-docchat-client/internal/correlator"
	"ai-docchat-client/internal/docchat"
	"ai-docchat-client/internal/eventbus"
	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/repository/memory"
	"ai-docchat-client/internal/streaming"
	"ai-docchat-client/internal/transport"
)

type Container struct {
	Config     *config.Config
	Logger     logger.ILogger
	Credential *auth.Credential
	Bus        eventbus.Bus
	Sessions   *transport.Registry
	Metadata   *memory.MetadataRepository
	Dialer     transport.Dialer
}

// NewContainer wires the shared infrastructure every document client uses. The
// logger is passed in so the CLI can keep console output clean.
func NewContainer(cfg *config.Config, sysLogger logger.ILogger) (*Container, error) {
	// 1. Credential. Watching the bus needs none, so a missing token only fails OpenDocument.
	cred, err := auth.ParseCredential(cfg.Backend.Token)
	if err != nil && !errors.Is(err, auth.ErrMissingCredential) {
		return nil, err
	}

	// 2. Event Bus
	bus, err := eventbus.Open(eventbus.Options{
		Driver:   cfg.Bus.Driver,
		RedisURL: cfg.Bus.RedisURL,
		NatsURL:  cfg.Bus.NatsURL,
	}, sysLogger)
	if err != nil {
		log.Printf("[WARN] State bus %q unavailable, falling back to in-process: %v", cfg.Bus.Driver, err)
		bus = eventbus.NewChannelBus(sysLogger)
	}

	// 3. Transport
	dialer := &transport.WebsocketDialer{
		HandshakeTimeout: cfg.Backend.HandshakeTimeout,
		PongWait:         cfg.Backend.PongWait,
		WriteWait:        cfg.Backend.WriteWait,
		ReadLimit:        cfg.Backend.ReadLimit,
	}
	settings := &transport.Settings{
		Backoff:    transport.Backoff{Base: cfg.Reconnect.BaseDelay, MaxAttempts: cfg.Reconnect.MaxAttempts},
		PingPeriod: cfg.Backend.PingPeriod,
	}

	c := &Container{
		Config:     cfg,
		Logger:     sysLogger,
		Credential: cred,
		Bus:        bus,
		Metadata:   memory.NewMetadataRepository(30 * time.Minute),
		Dialer:     dialer,
	}
	c.Sessions = transport.NewRegistry(func(documentID string) (*transport.Session, error) {
		if cred == nil {
			return nil, auth.ErrMissingCredential
		}
		target, err := cred.Target(cfg.Backend.BaseURL, documentID)
		if err != nil {
			return nil, err
		}
		return transport.NewSession(documentID, target, c.Dialer, settings, sysLogger), nil
	}, sysLogger)
	return c, nil
}

// OpenDocument returns a client for documentID sharing the document's session.
func (c *Container) OpenDocument(documentID string) (*docchat.Client, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if c.Credential == nil {
		return nil, auth.ErrMissingCredential
	}
	session, err := c.Sessions.Open(documentID)
	if err != nil {
		return nil, err
	}
	return docchat.New(session, docchat.Options{
		Credential: c.Credential,
		Timeouts: correlator.Timeouts{
			Read:   c.Config.Timeouts.Read,
			Create: c.Config.Timeouts.Create,
			Send:   c.Config.Timeouts.Send,
		},
		Stream: streaming.Settings{
			Timeout: c.Config.Timeouts.Send,
			Policy:  streaming.ParseDeadlinePolicy(c.Config.Timeouts.StreamDeadlinePolicy),
		},
		Release: func() error { return c.Sessions.Release(documentID) },
	}, c.Bus, c.Metadata, c.Logger), nil
}

func (c *Container) Shutdown(ctx context.Context) error {
	c.Sessions.CloseAll()
	if err := c.Bus.Close(); err != nil {
		return err
	}
	return c.Logger.Sync()
}
