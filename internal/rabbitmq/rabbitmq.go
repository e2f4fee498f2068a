package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/streadway/amqp"
)

const (
	DefaultPort                     = 5672
	DefaultVirtualHost              = "/"
	DefaultHeartbeat                = 30 * time.Second
	DefaultBlockedConnectionTimeout = 300 * time.Second
	DefaultConfirmTimeout           = 10 * time.Second
	DefaultDialTimeout              = 30 * time.Second
)

var (
	ErrNacked         = errors.New("message was nacked by the broker")
	ErrConfirmTimeout = errors.New("timed out waiting for publisher confirm")
	ErrChannelClosed  = errors.New("channel is closed")
)

// Config holds the broker connection parameters.
type Config struct {
	Host        string
	Port        int
	VirtualHost string
	Username    string
	Password    string

	Heartbeat                time.Duration
	BlockedConnectionTimeout time.Duration
	ConfirmTimeout           time.Duration
	DialTimeout              time.Duration
}

// WithDefaults fills every zero-valued optional field.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.VirtualHost == "" {
		c.VirtualHost = DefaultVirtualHost
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.BlockedConnectionTimeout == 0 {
		c.BlockedConnectionTimeout = DefaultBlockedConnectionTimeout
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}

	return c
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// channel is the part of *amqp.Channel the client publishes through.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Client represents a RabbitMQ client in publisher-confirm mode.
type Client struct {
	conn     *amqp.Connection
	channel  channel
	confirms <-chan amqp.Confirmation
	timeout  time.Duration
	done     chan struct{}
}

// IsOpen reports whether the connection is still usable.
func (r *Client) IsOpen() bool {
	if r.conn == nil || r.channel == nil {
		return false
	}

	select {
	case <-r.done:
		return false
	default:
	}

	return !r.conn.IsClosed()
}

// Close closes the channel and connection. Both are attempted even when the
// first close fails.
func (r *Client) Close() error {
	var errs []error
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if r.conn != nil && !r.conn.IsClosed() {
		if err := r.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Dial connects to the broker, opens a channel and puts it in confirm mode.
// A connection that stays blocked by the broker for longer than
// BlockedConnectionTimeout is closed.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()

	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		Vhost:    cfg.VirtualHost,
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := amqp.DialConfig(uri.String(), amqp.Config{
		SASL:      []amqp.Authentication{&amqp.PlainAuth{Username: cfg.Username, Password: cfg.Password}},
		Vhost:     cfg.VirtualHost,
		Heartbeat: cfg.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			// Bounds the AMQP handshake; amqp clears it once the connection
			// is open and heartbeats take over.
			if err := conn.SetDeadline(time.Now().Add(cfg.DialTimeout)); err != nil {
				_ = conn.Close()

				return nil, err
			}

			return conn, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Debug("Failed to close a connection", "error", closeErr)
		}

		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Debug("Failed to close a connection", "error", closeErr)
		}

		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	client := &Client{
		conn:     conn,
		channel:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		timeout:  cfg.ConfirmTimeout,
		done:     make(chan struct{}),
	}
	go client.watchBlocked(cfg.BlockedConnectionTimeout)

	return client, nil
}

// watchBlocked closes the connection when the broker keeps it blocked
// (resource alarm) for longer than timeout.
func (r *Client) watchBlocked(timeout time.Duration) {
	blocked := r.conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	closed := r.conn.NotifyClose(make(chan *amqp.Error, 1))
	defer close(r.done)

	var deadline <-chan time.Time
	for {
		select {
		case <-closed:
			return
		case b, ok := <-blocked:
			if !ok {
				return
			}
			if b.Active {
				slog.Warn("RabbitMQ connection blocked", "reason", b.Reason)
				deadline = time.After(timeout)
			} else {
				slog.Info("RabbitMQ connection unblocked")
				deadline = nil
			}
		case <-deadline:
			slog.Error("RabbitMQ connection blocked for too long, closing", "timeout", timeout)
			if err := r.conn.Close(); err != nil {
				slog.Debug("Failed to close a blocked connection", "error", err)
			}

			return
		}
	}
}

// DeclareExchangeConfig describes an exchange declaration.
type DeclareExchangeConfig struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       amqp.Table
}

// DeclareExchange declares an exchange with the given configuration.
func (r *Client) DeclareExchange(cfg DeclareExchangeConfig) error {
	return r.channel.ExchangeDeclare(
		cfg.Name,
		cfg.Kind,
		cfg.Durable,
		cfg.AutoDelete,
		cfg.Internal,
		cfg.NoWait,
		cfg.Args,
	)
}

// Publish sends msg and waits for the broker to confirm it. The wait is
// bounded by the confirm timeout only: once the message is on the wire the
// outcome is awaited even if the caller has gone away.
func (r *Client) Publish(_ context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if err := r.channel.Publish(exchange, routingKey, false, false, msg); err != nil {
		return err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-r.confirms:
		if !ok {
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return fmt.Errorf("delivery tag %d: %w", confirm.DeliveryTag, ErrNacked)
		}

		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	}
}
