// Package stomp subscribes to the Network Rail open data STOMP topics and
// hands every frame to a handler.
package stomp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/JonathanMoss/OpenRailDataGateway/internal/feed"
	"github.com/go-stomp/stomp/v3"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHost      = "publicdatafeeds.networkrail.co.uk"
	DefaultPort      = 61618
	DefaultHeartbeat = 15 * time.Second
)

var (
	ErrMissingCredentials = errors.New("feed credentials are not set")
	ErrNoTopics           = errors.New("no feed topics configured")
	ErrFeedClosed         = errors.New("feed subscription closed")
)

// Config describes a durable feed subscription.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	ClientID  string
	Topics    []string
	Heartbeat time.Duration
}

// WithDefaults fills every zero-valued optional field. The client id
// defaults to <user>-<hostname> so durable subscriptions survive restarts.
func (c Config) WithDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.ClientID == "" && c.Username != "" {
		host, err := os.Hostname()
		if err != nil {
			host = "gateway"
		}
		c.ClientID = c.Username + "-" + host
	}

	return c
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if c.Username == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	if len(c.Topics) == 0 {
		return ErrNoTopics
	}

	return nil
}

// handler receives every frame read from the feed.
type handler interface {
	Handle(ctx context.Context, frame feed.Frame) error
}

// session is the part of a STOMP connection the listener uses.
type session interface {
	Subscribe(topic string) (<-chan *stomp.Message, error)
	Disconnect() error
}

type dialFunc func(cfg Config) (session, error)

// Listener reads frames from every configured topic.
type Listener struct {
	cfg     Config
	handler handler
	dial    dialFunc
}

// NewListener creates a Listener.
func NewListener(cfg Config, handler handler) *Listener {
	return &Listener{
		cfg:     cfg.WithDefaults(),
		handler: handler,
		dial:    dial,
	}
}

// Run subscribes to every topic and blocks until ctx is cancelled or a
// subscription fails. A failed subscription is returned so that the process
// manager restarts the gateway.
func (l *Listener) Run(ctx context.Context) error {
	sess, err := l.dial(l.cfg)
	if err != nil {
		return fmt.Errorf("connect to feed: %w", err)
	}
	defer func() {
		if err := sess.Disconnect(); err != nil {
			slog.Warn("Feed disconnect error", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range l.cfg.Topics {
		msgs, err := sess.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}

		slog.Info("Subscribed to feed topic", "topic", topic, "client_id", l.cfg.ClientID)
		g.Go(func() error {
			return l.consume(gctx, topic, msgs)
		})
	}

	return g.Wait()
}

func (l *Listener) consume(ctx context.Context, topic string, msgs <-chan *stomp.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("%s: %w", topic, ErrFeedClosed)
			}
			if msg.Err != nil {
				return fmt.Errorf("%s: %w", topic, msg.Err)
			}

			frame := toFrame(msg)
			if err := l.handler.Handle(ctx, frame); err != nil {
				slog.Error("Failed to handle frame", "topic", topic, "message_id", frame.ID, "error", err)
			}
		}
	}
}

func toFrame(msg *stomp.Message) feed.Frame {
	frame := feed.Frame{
		Destination: msg.Destination,
		Body:        msg.Body,
	}
	if msg.Header != nil {
		frame.ID = msg.Header.Get("message-id")
		if ms, err := strconv.ParseInt(msg.Header.Get("timestamp"), 10, 64); err == nil {
			frame.Timestamp = time.UnixMilli(ms)
		}
	}

	return frame
}

// stompSession adapts a go-stomp connection.
type stompSession struct {
	conn     *stomp.Conn
	clientID string
}

func dial(cfg Config) (session, error) {
	conn, err := stomp.Dial("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		stomp.ConnOpt.Login(cfg.Username, cfg.Password),
		stomp.ConnOpt.HeartBeat(cfg.Heartbeat, cfg.Heartbeat),
		stomp.ConnOpt.Header("client-id", cfg.ClientID),
	)
	if err != nil {
		return nil, err
	}

	slog.Info("STOMP connection made", "host", cfg.Host, "port", cfg.Port)

	return &stompSession{conn: conn, clientID: cfg.ClientID}, nil
}

func (s *stompSession) Subscribe(topic string) (<-chan *stomp.Message, error) {
	sub, err := s.conn.Subscribe("/topic/"+topic, stomp.AckAuto,
		stomp.SubscribeOpt.Header("activemq.subscriptionName", topic+"-"+s.clientID),
	)
	if err != nil {
		return nil, err
	}

	return sub.C, nil
}

func (s *stompSession) Disconnect() error {
	return s.conn.Disconnect()
}
