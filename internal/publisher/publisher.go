// Package publisher delivers gateway messages to a single fan-out exchange,
// reconnecting to the broker and retrying within a bounded budget.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonathanMoss/OpenRailDataGateway/internal/rabbitmq"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxRetries  = 5
	DefaultExpiration  = "100000"
	DefaultBackoffStep = 2 * time.Second
)

// Config is resolved once by the process bootstrap and never re-read.
type Config struct {
	Exchange string
	Broker   rabbitmq.Config

	// Expiration is the per-message TTL in milliseconds.
	Expiration  string
	MaxRetries  int
	BackoffStep time.Duration
}

// WithDefaults fills every zero-valued optional field.
func (c Config) WithDefaults() Config {
	c.Broker = c.Broker.WithDefaults()
	if c.Expiration == "" {
		c.Expiration = DefaultExpiration
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffStep == 0 {
		c.BackoffStep = DefaultBackoffStep
	}

	return c
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if c.Exchange == "" {
		return ErrMissingExchange
	}
	if c.Broker.Host == "" {
		return ErrMissingHost
	}
	if c.Broker.Username == "" || c.Broker.Password == "" {
		return ErrMissingCredentials
	}

	return nil
}

// Message is a serialized body plus optional routing headers.
type Message struct {
	Body    string
	Headers map[string]string
}

// Session is a live connection/channel pair bound to one broker.
type Session interface {
	DeclareExchange(cfg rabbitmq.DeclareExchangeConfig) error
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	IsOpen() bool
	Close() error
}

// DialFunc opens a new Session.
type DialFunc func(ctx context.Context) (Session, error)

// Stats holds the monotonic publish counters.
type Stats struct {
	Sent    int64
	Retries int64
}

// Publisher owns one exchange and at most one broker session.
type Publisher struct {
	cfg   Config
	dial  DialFunc
	delay DelayFunc
	fatal func(error)
	log   *slog.Logger

	// mu guards session and serialises sends.
	mu      sync.Mutex
	session Session
	// connected mirrors session != nil for readers that must not wait on mu.
	connected atomic.Bool

	sent         atomic.Int64
	retries      atomic.Int64
	sentCounter  metric.Int64Counter
	retryCounter metric.Int64Counter
	attrs        metric.MeasurementOption
}

// option is a function that configures the Publisher.
type option func(*Publisher)

// WithDialer replaces the AMQP dialer.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithDialer(dial DialFunc) option {
	return func(p *Publisher) {
		p.dial = dial
	}
}

// WithDelay replaces the linear reconnect backoff.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithDelay(delay DelayFunc) option {
	return func(p *Publisher) {
		p.delay = delay
	}
}

// WithFatal replaces the handler invoked when the broker cannot be reached
// at all. The default logs the error and exits the process.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithFatal(fatal func(error)) option {
	return func(p *Publisher) {
		p.fatal = fatal
	}
}

// New validates cfg and builds a Publisher. No connection is opened.
func New(cfg Config, opts ...option) (*Publisher, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}

	p := &Publisher{
		cfg:   cfg,
		delay: Linear(cfg.BackoffStep),
		log:   slog.Default().With("exchange", cfg.Exchange),
		attrs: metric.WithAttributes(attribute.String("exchange", cfg.Exchange)),
	}
	p.dial = func(ctx context.Context) (Session, error) {
		client, err := rabbitmq.Dial(ctx, cfg.Broker)
		if err != nil {
			return nil, err
		}

		return client, nil
	}
	p.fatal = func(err error) {
		p.log.Error("Maximum connection attempts breached, giving up", "error", err)
		os.Exit(1)
	}
	for _, opt := range opts {
		opt(p)
	}

	meter := otel.Meter("github.com/JonathanMoss/OpenRailDataGateway/internal/publisher")

	var err error
	p.sentCounter, err = meter.Int64Counter(
		"gateway.publisher.sent",
		metric.WithDescription("Messages published to the exchange"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sent counter: %w", err)
	}
	p.retryCounter, err = meter.Int64Counter(
		"gateway.publisher.retries",
		metric.WithDescription("Publish attempts retried after a failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}

	return p, nil
}

// MustNew is New that panics on a configuration error.
func MustNew(cfg Config, opts ...option) *Publisher {
	p, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}

	return p
}

// Exchange returns the owned exchange name.
func (p *Publisher) Exchange() string {
	return p.cfg.Exchange
}

// Stats returns a snapshot of the publish counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Sent:    p.sent.Load(),
		Retries: p.retries.Load(),
	}
}

// Connected reports whether a session was open after the last connect or
// publish. It never blocks on an in-flight Send.
func (p *Publisher) Connected() bool {
	return p.connected.Load()
}

// EnsureConnected returns true once a live session exists, dialling up to
// MaxRetries times with linear backoff between attempts.
func (p *Publisher) EnsureConnected(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ensureConnected(ctx)
}

// MustConnect is EnsureConnected that hands failure to the fatal handler.
// A cancelled ctx is not a connection failure and is only logged.
func (p *Publisher) MustConnect(ctx context.Context) {
	if !p.EnsureConnected(ctx) && ctx.Err() == nil {
		p.fatal(fmt.Errorf("connect to exchange %q: %w", p.cfg.Exchange, ErrNoSession))
	}
}

// Send publishes msg, reconnecting and retrying until it succeeds or the
// retry ceiling is reached. Exhausting the connect attempts before the first
// publish is fatal; failing to recover after a publish error is reported as
// false. Cancelling ctx stops a pending backoff wait and reports false, it
// never reaches the fatal handler.
func (p *Publisher) Send(ctx context.Context, msg Message) bool {
	ctx, span := otel.Tracer("publisher").Start(ctx, "Publisher.Send")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.live() && !p.ensureConnected(ctx) {
		err := fmt.Errorf("connect to exchange %q: %w", p.cfg.Exchange, ErrNoSession)
		failSpan(span, err)
		if ctx.Err() != nil {
			p.log.Warn("Send cancelled before a connection was made", "error", ctx.Err())

			return false
		}
		p.fatal(err)

		return false
	}

	publishing := p.publishing(msg)
	attempt := 1
	for {
		err := p.session.Publish(ctx, p.cfg.Exchange, "", publishing)
		if err == nil {
			p.sent.Add(1)
			p.sentCounter.Add(ctx, 1, p.attrs)
			span.SetAttributes(attribute.Int("attempts", attempt))

			return true
		}

		p.log.Error("Unable to publish message", "attempt", attempt, "error", err)
		p.closeSession()

		attempt++
		if attempt > p.cfg.MaxRetries {
			p.log.Error("Maximum sending attempts breached, giving up", "attempts", p.cfg.MaxRetries)
			failSpan(span, fmt.Errorf("gave up after %d attempts: %w", p.cfg.MaxRetries, err))

			return false
		}

		p.retries.Add(1)
		p.retryCounter.Add(ctx, 1, p.attrs)

		if !p.ensureConnected(ctx) {
			failSpan(span, fmt.Errorf("reconnect to exchange %q: %w", p.cfg.Exchange, ErrNoSession))

			return false
		}
	}
}

// Close tears down the session for graceful shutdown.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closeSession()
}

func (p *Publisher) live() bool {
	return p.session != nil && p.session.IsOpen()
}

func (p *Publisher) ensureConnected(ctx context.Context) bool {
	if p.live() {
		return true
	}
	p.closeSession()

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		err := p.connect(ctx)
		if err == nil {
			p.log.Info("RabbitMQ connected", "host", p.cfg.Broker.Host, "port", p.cfg.Broker.Port, "attempt", attempt)

			return true
		}

		p.log.Error("Could not create a connection to RabbitMQ", "attempt", attempt, "error", err)
		if attempt == p.cfg.MaxRetries {
			break
		}

		wait := p.delay(attempt)
		p.log.Warn("Retrying connection", "in", wait)
		if err := sleep(ctx, wait); err != nil {
			p.log.Warn("Connection retry cancelled", "error", err)

			return false
		}
	}

	return false
}

// connect dials and declares the exchange; on failure no session is kept.
func (p *Publisher) connect(ctx context.Context) error {
	session, err := p.dial(ctx)
	if err != nil {
		return err
	}

	err = session.DeclareExchange(rabbitmq.DeclareExchangeConfig{
		Name:    p.cfg.Exchange,
		Kind:    amqp.ExchangeFanout,
		Durable: true,
	})
	if err != nil {
		if closeErr := session.Close(); closeErr != nil {
			p.log.Debug("Problems closing the connection", "error", closeErr)
		}

		return fmt.Errorf("declare exchange: %w", err)
	}

	p.session = session
	p.connected.Store(true)

	return nil
}

func (p *Publisher) closeSession() error {
	if p.session == nil {
		return nil
	}

	err := p.session.Close()
	p.session = nil
	p.connected.Store(false)
	if err != nil {
		p.log.Debug("Problems closing the connection", "error", err)
	}

	return err
}

// publishing always carries the TTL; headers are attached only when given.
func (p *Publisher) publishing(msg Message) amqp.Publishing {
	out := amqp.Publishing{
		Expiration: p.cfg.Expiration,
		Body:       []byte(msg.Body),
	}
	if len(msg.Headers) > 0 {
		headers := make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
		out.Headers = headers
	}

	return out
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
