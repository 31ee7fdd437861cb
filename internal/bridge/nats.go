package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_session/internal/monitoring"
)

// Broadcaster is the downstream the bridge fans out to. The server
// satisfies it.
type Broadcaster interface {
	Broadcast(payload []byte, exclude string) int
}

// Config connects the bridge to one NATS subject.
type Config struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // retry forever
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// Bridge subscribes to a NATS subject and forwards every message to all
// attached sessions through the worker pool.
type Bridge struct {
	cfg    Config
	conn   *nats.Conn
	sub    *nats.Subscription
	pool   *WorkerPool
	target Broadcaster
	logger zerolog.Logger
	cancel context.CancelFunc
}

// New connects to NATS and starts the fanout workers. The connection uses
// the client's built-in reconnect loop; subscription state survives
// reconnects.
func New(cfg Config, target Broadcaster, pool *WorkerPool, logger zerolog.Logger) (*Bridge, error) {
	cfg = cfg.withDefaults()

	b := &Bridge{
		cfg:    cfg,
		pool:   pool,
		target: target,
		logger: logger.With().Str("component", "bridge").Logger(),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(b.onConnect),
		nats.DisconnectErrHandler(b.onDisconnect),
		nats.ReconnectHandler(b.onReconnect),
		nats.ErrorHandler(b.onError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	monitoring.SetNATSConnected(true)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.pool.Start(ctx)

	sub, err := conn.Subscribe(cfg.Subject, b.onMessage)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Subject, err)
	}
	b.sub = sub

	b.logger.Info().
		Str("url", cfg.URL).
		Str("subject", cfg.Subject).
		Msg("Bridge connected")
	return b, nil
}

// onMessage schedules one fanout. The NATS payload is owned by the client
// library only for the duration of the callback, so it is copied before it
// crosses into the pool.
func (b *Bridge) onMessage(msg *nats.Msg) {
	monitoring.RecordBridgeMessage()

	payload := make([]byte, len(msg.Data))
	copy(payload, msg.Data)

	b.pool.Submit(func() {
		b.target.Broadcast(payload, "")
	})
}

func (b *Bridge) onConnect(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	monitoring.SetNATSConnected(true)
}

func (b *Bridge) onDisconnect(conn *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn().Err(err).Msg("Disconnected from NATS")
	} else {
		b.logger.Info().Msg("Disconnected from NATS")
	}
	monitoring.SetNATSConnected(false)
}

func (b *Bridge) onReconnect(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
	monitoring.SetNATSConnected(true)
}

func (b *Bridge) onError(conn *nats.Conn, sub *nats.Subscription, err error) {
	b.logger.Error().Err(err).Msg("NATS error")
}

// Close unsubscribes, drains the worker pool, and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Debug().Err(err).Msg("Unsubscribe failed")
		}
	}
	b.pool.Stop()
	b.cancel()
	b.conn.Close()
	monitoring.SetNATSConnected(false)
	b.logger.Info().Msg("Bridge closed")
}
