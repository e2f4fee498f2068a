package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JonathanMoss/OpenRailDataGateway/internal/rabbitmq"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var (
	errBrokerDown = errors.New("dial tcp: connection refused")
	errPublish    = errors.New("channel closed by broker")
)

type published struct {
	exchange string
	msg      amqp.Publishing
}

// fakeBroker hands out fakeSessions and records everything they publish.
type fakeBroker struct {
	mu sync.Mutex

	failDials    int // dials to fail before succeeding; -1 fails forever
	failPublish  int // publishes to fail before succeeding; -1 fails forever
	publishErr   error
	dials        int
	declarations []rabbitmq.DeclareExchangeConfig
	published    []published
	closed       int
}

func (b *fakeBroker) dial(ctx context.Context) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials < 0 || b.dials <= b.failDials {
		return nil, errBrokerDown
	}

	return &fakeSession{broker: b, open: true}, nil
}

type fakeSession struct {
	broker *fakeBroker
	open   bool
}

func (s *fakeSession) DeclareExchange(cfg rabbitmq.DeclareExchangeConfig) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	for _, existing := range s.broker.declarations {
		if existing.Name == cfg.Name && (existing.Kind != cfg.Kind || existing.Durable != cfg.Durable) {
			return errors.New("PRECONDITION_FAILED - inequivalent arg")
		}
	}
	s.broker.declarations = append(s.broker.declarations, cfg)

	return nil
}

func (s *fakeSession) Publish(_ context.Context, exchange, _ string, msg amqp.Publishing) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if s.broker.failPublish != 0 {
		if s.broker.failPublish > 0 {
			s.broker.failPublish--
		}
		s.open = false
		if s.broker.publishErr != nil {
			return s.broker.publishErr
		}

		return errPublish
	}
	s.broker.published = append(s.broker.published, published{exchange: exchange, msg: msg})

	return nil
}

func (s *fakeSession) IsOpen() bool {
	return s.open
}

func (s *fakeSession) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	s.open = false
	s.broker.closed++

	return nil
}

func testConfig(maxRetries int) Config {
	return Config{
		Exchange: "nrod-td",
		Broker: rabbitmq.Config{
			Host:     "localhost",
			Username: "guest",
			Password: "guest",
		},
		MaxRetries: maxRetries,
	}
}

type fatalRecorder struct {
	errs []error
}

func (f *fatalRecorder) fatal(err error) {
	f.errs = append(f.errs, err)
}

func newTestPublisher(t *testing.T, maxRetries int, broker *fakeBroker) (*Publisher, *fatalRecorder) {
	t.Helper()

	rec := &fatalRecorder{}
	p, err := New(
		testConfig(maxRetries),
		WithDialer(broker.dial),
		WithDelay(Linear(0)),
		WithFatal(rec.fatal),
	)
	require.NoError(t, err)

	return p, rec
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "missing exchange",
			mutate:  func(c *Config) { c.Exchange = "" },
			wantErr: ErrMissingExchange,
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Broker.Host = "" },
			wantErr: ErrMissingHost,
		},
		{
			name:    "missing username",
			mutate:  func(c *Config) { c.Broker.Username = "" },
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "missing password",
			mutate:  func(c *Config) { c.Broker.Password = "" },
			wantErr: ErrMissingCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(5)
			tt.mutate(&cfg)

			_, err := New(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewDoesNotConnect(t *testing.T) {
	broker := &fakeBroker{}
	newTestPublisher(t, 5, broker)

	assert.Zero(t, broker.dials)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Exchange: "x"}.WithDefaults()

	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultExpiration, cfg.Expiration)
	assert.Equal(t, DefaultBackoffStep, cfg.BackoffStep)
	assert.Equal(t, "/", cfg.Broker.VirtualHost)
	assert.Equal(t, 5672, cfg.Broker.Port)
}

func TestSendHealthyBroker(t *testing.T) {
	broker := &fakeBroker{}
	p, rec := newTestPublisher(t, 5, broker)

	ok := p.Send(context.Background(), Message{Body: "hello"})

	require.True(t, ok)
	require.Len(t, broker.published, 1)
	got := broker.published[0]
	assert.Equal(t, "nrod-td", got.exchange)
	assert.Equal(t, "hello", string(got.msg.Body))
	assert.Equal(t, DefaultExpiration, got.msg.Expiration)
	assert.Nil(t, got.msg.Headers)
	assert.Empty(t, rec.errs)
	assert.Equal(t, Stats{Sent: 1}, p.Stats())
}

func TestSendWithHeaders(t *testing.T) {
	broker := &fakeBroker{}
	p, _ := newTestPublisher(t, 5, broker)

	ok := p.Send(context.Background(), Message{
		Body:    `{"a":1}`,
		Headers: map[string]string{"crs": "PAD"},
	})

	require.True(t, ok)
	require.Len(t, broker.published, 1)
	got := broker.published[0].msg
	assert.Equal(t, `{"a":1}`, string(got.Body))
	assert.Equal(t, amqp.Table{"crs": "PAD"}, got.Headers)
	assert.Equal(t, DefaultExpiration, got.Expiration)
	assert.Equal(t, 1, broker.dials)
}

func TestSendHeadersDoNotOverrideExpiration(t *testing.T) {
	broker := &fakeBroker{}
	p, _ := newTestPublisher(t, 5, broker)

	ok := p.Send(context.Background(), Message{
		Body:    "x",
		Headers: map[string]string{"expiration": "1"},
	})

	require.True(t, ok)
	got := broker.published[0].msg
	assert.Equal(t, DefaultExpiration, got.Expiration)
	assert.Equal(t, "1", got.Headers["expiration"])
}

func TestSendReusesLiveSession(t *testing.T) {
	broker := &fakeBroker{}
	p, _ := newTestPublisher(t, 5, broker)

	for i := 0; i < 3; i++ {
		require.True(t, p.Send(context.Background(), Message{Body: "m"}))
	}

	assert.Equal(t, 1, broker.dials)
	assert.Len(t, broker.published, 3)
}

func TestSendPreservesOrder(t *testing.T) {
	broker := &fakeBroker{failPublish: 2}
	p, _ := newTestPublisher(t, 5, broker)

	for _, body := range []string{"first", "second", "third"} {
		require.True(t, p.Send(context.Background(), Message{Body: body}))
	}

	require.Len(t, broker.published, 3)
	assert.Equal(t, "first", string(broker.published[0].msg.Body))
	assert.Equal(t, "second", string(broker.published[1].msg.Body))
	assert.Equal(t, "third", string(broker.published[2].msg.Body))
}

func TestSendRecoversFromPublishFailures(t *testing.T) {
	for k := 1; k < DefaultMaxRetries; k++ {
		broker := &fakeBroker{failPublish: k}
		p, rec := newTestPublisher(t, DefaultMaxRetries, broker)

		ok := p.Send(context.Background(), Message{Body: "hello"})

		assert.True(t, ok, "k=%d", k)
		assert.Equal(t, 1+k, broker.dials, "k=%d: one initial dial plus one per failure", k)
		assert.Equal(t, k, broker.closed, "k=%d: failed session must be closed", k)
		assert.Len(t, broker.published, 1)
		assert.Equal(t, Stats{Sent: 1, Retries: int64(k)}, p.Stats())
		assert.Empty(t, rec.errs)
	}
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	broker := &fakeBroker{failPublish: -1}
	p, rec := newTestPublisher(t, 5, broker)

	ok := p.Send(context.Background(), Message{Body: "hello"})

	assert.False(t, ok)
	assert.Empty(t, broker.published)
	assert.Equal(t, 5, broker.dials)
	assert.Equal(t, 5, broker.closed)
	assert.Equal(t, Stats{Sent: 0, Retries: 4}, p.Stats())
	assert.Empty(t, rec.errs, "exhausted publish retries are reported, not fatal")
}

func TestSendExactlyMaxRetriesFailures(t *testing.T) {
	broker := &fakeBroker{failPublish: 3}
	p, _ := newTestPublisher(t, 3, broker)

	assert.False(t, p.Send(context.Background(), Message{Body: "hello"}))
	assert.Empty(t, broker.published)
}

func TestSendConnectsAfterBrokerComesBack(t *testing.T) {
	broker := &fakeBroker{failDials: 2}
	p, rec := newTestPublisher(t, 5, broker)

	ok := p.Send(context.Background(), Message{Body: "hello"})

	assert.True(t, ok)
	assert.Equal(t, 3, broker.dials)
	assert.Len(t, broker.published, 1)
	assert.Empty(t, rec.errs)
}

func TestSendInitialConnectExhaustedIsFatal(t *testing.T) {
	broker := &fakeBroker{failDials: -1}
	p, rec := newTestPublisher(t, 5, broker)

	ok := p.Send(context.Background(), Message{Body: "hello"})

	assert.False(t, ok)
	assert.Equal(t, 5, broker.dials)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrNoSession)
}

func TestSendReconnectExhaustedIsReported(t *testing.T) {
	broker := &fakeBroker{}
	p, rec := newTestPublisher(t, 3, broker)
	require.True(t, p.EnsureConnected(context.Background()))

	broker.mu.Lock()
	broker.failPublish = 1
	broker.failDials = -1
	broker.mu.Unlock()

	ok := p.Send(context.Background(), Message{Body: "hello"})

	assert.False(t, ok)
	assert.Empty(t, rec.errs)
	assert.Equal(t, 1+3, broker.dials)
}

func TestEnsureConnectedUnreachable(t *testing.T) {
	broker := &fakeBroker{failDials: -1}
	p, rec := newTestPublisher(t, 2, broker)

	ok := p.EnsureConnected(context.Background())

	assert.False(t, ok)
	assert.Equal(t, 2, broker.dials)
	assert.Empty(t, rec.errs)
}

func TestEnsureConnectedNoopWhenLive(t *testing.T) {
	broker := &fakeBroker{}
	p, _ := newTestPublisher(t, 5, broker)

	require.True(t, p.EnsureConnected(context.Background()))
	require.True(t, p.EnsureConnected(context.Background()))

	assert.Equal(t, 1, broker.dials)
}

func TestEnsureConnectedDeclaresDurableFanout(t *testing.T) {
	broker := &fakeBroker{}
	p, _ := newTestPublisher(t, 5, broker)

	// Force several reconnects; redeclaring the same exchange must succeed.
	for i := 0; i < 3; i++ {
		require.True(t, p.EnsureConnected(context.Background()))
		require.NoError(t, p.Close())
	}

	require.Len(t, broker.declarations, 3)
	for _, d := range broker.declarations {
		assert.Equal(t, rabbitmq.DeclareExchangeConfig{
			Name:    "nrod-td",
			Kind:    "fanout",
			Durable: true,
		}, d)
	}
}

func TestEnsureConnectedClearsStateOnDeclareFailure(t *testing.T) {
	broker := &fakeBroker{
		declarations: []rabbitmq.DeclareExchangeConfig{{Name: "nrod-td", Kind: "topic"}},
	}
	p, _ := newTestPublisher(t, 2, broker)

	ok := p.EnsureConnected(context.Background())

	assert.False(t, ok)
	assert.Nil(t, p.session)
	assert.Equal(t, 2, broker.closed)
}

func TestMustConnectCallsFatal(t *testing.T) {
	broker := &fakeBroker{failDials: -1}
	p, rec := newTestPublisher(t, 2, broker)

	p.MustConnect(context.Background())

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrNoSession)
}

func TestReconnectBackoffIsLinear(t *testing.T) {
	broker := &fakeBroker{failDials: -1}

	var waits []int
	p, err := New(
		testConfig(4),
		WithDialer(broker.dial),
		WithDelay(func(attempt int) time.Duration {
			waits = append(waits, attempt)
			return 0
		}),
		WithFatal(func(error) {}),
	)
	require.NoError(t, err)

	assert.False(t, p.EnsureConnected(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, waits, "no wait after the final attempt")
}

func TestEnsureConnectedStopsOnCancel(t *testing.T) {
	broker := &fakeBroker{failDials: -1}
	p, err := New(
		testConfig(5),
		WithDialer(broker.dial),
		WithDelay(Linear(time.Hour)),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, p.EnsureConnected(ctx))
	assert.Equal(t, 1, broker.dials)
}

func TestSendConcurrentCallersAreSerialised(t *testing.T) {
	broker := &fakeBroker{failPublish: 1}
	p, _ := newTestPublisher(t, 5, broker)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, p.Send(context.Background(), Message{Body: "m"}))
		}()
	}
	wg.Wait()

	assert.Len(t, broker.published, 10)
	assert.Equal(t, int64(10), p.Stats().Sent)
	assert.Equal(t, int64(1), p.Stats().Retries)
}

func TestConnectedTracksSession(t *testing.T) {
	broker := &fakeBroker{}
	p, _ := newTestPublisher(t, 3, broker)

	assert.False(t, p.Connected())
	require.True(t, p.EnsureConnected(context.Background()))
	assert.True(t, p.Connected())

	require.NoError(t, p.Close())
	assert.False(t, p.Connected())
}

func TestSendCancelledContextIsNotFatal(t *testing.T) {
	broker := &fakeBroker{failDials: 1}
	p, rec := newTestPublisher(t, 5, broker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, p.Send(ctx, Message{Body: "m"}))
	assert.Equal(t, 1, broker.dials)
	assert.Empty(t, rec.errs)

	// The broker was fine all along: the next send connects and publishes.
	assert.True(t, p.Send(context.Background(), Message{Body: "m"}))
	assert.Len(t, broker.published, 1)
}

func TestSendCancelledContextStillPublishesOnLiveSession(t *testing.T) {
	broker := &fakeBroker{}
	p, rec := newTestPublisher(t, 5, broker)
	require.True(t, p.EnsureConnected(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, p.Send(ctx, Message{Body: "m"}))
	assert.Empty(t, rec.errs)
}

func TestMustConnectCancelledIsNotFatal(t *testing.T) {
	broker := &fakeBroker{failDials: -1}
	p, rec := newTestPublisher(t, 5, broker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.MustConnect(ctx)

	assert.Empty(t, rec.errs)
}

func TestSendRetriesConfirmFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "nacked", err: rabbitmq.ErrNacked},
		{name: "confirm timeout", err: rabbitmq.ErrConfirmTimeout},
		{name: "channel closed", err: rabbitmq.ErrChannelClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &fakeBroker{failPublish: 2, publishErr: tt.err}
			p, rec := newTestPublisher(t, 5, broker)

			assert.True(t, p.Send(context.Background(), Message{Body: "m"}))
			assert.Equal(t, 3, broker.dials)
			assert.Equal(t, int64(2), p.Stats().Retries)
			assert.Empty(t, rec.errs)
		})
	}
}

func TestSendSpanRecordsOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	broker := &fakeBroker{failPublish: -1}
	p, _ := newTestPublisher(t, 2, broker)

	require.False(t, p.Send(context.Background(), Message{Body: "m"}))
	broker.failPublish = 0
	require.True(t, p.Send(context.Background(), Message{Body: "m"}))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.NotEmpty(t, spans[0].Events(), "error recorded as a span event")
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}
