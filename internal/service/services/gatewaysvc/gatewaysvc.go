package gatewaysvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JonathanMoss/OpenRailDataGateway/internal/feed"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/publisher"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ErrNotPublished = errors.New("records were not published")

// messagePublisher represents the outbound publisher.
type messagePublisher interface {
	Send(ctx context.Context, msg publisher.Message) bool
}

// GatewayService validates inbound feed frames and republishes their records.
type GatewayService struct {
	publisher messagePublisher
	parser    feed.Parser
}

// option is a function that configures the GatewayService.
type option func(*GatewayService)

// MustNewGatewayService creates a new GatewayService.
func MustNewGatewayService(opts ...option) *GatewayService {
	s := &GatewayService{}
	for _, opt := range opts {
		opt(s)
	}

	if s.publisher == nil {
		panic("gateway service requires a publisher")
	}
	if s.parser == nil {
		panic("gateway service requires a parser")
	}

	return s
}

// WithPublisher sets the outbound publisher for the GatewayService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithPublisher(p messagePublisher) option {
	return func(s *GatewayService) {
		s.publisher = p
	}
}

// WithParser sets the feed parser for the GatewayService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithParser(p feed.Parser) option {
	return func(s *GatewayService) {
		s.parser = p
	}
}

// Handle publishes every valid record of frame, in order. Invalid and
// unknown records are logged and skipped. Records the publisher gave up on
// are dropped and reported through the returned error.
func (s *GatewayService) Handle(ctx context.Context, frame feed.Frame) error {
	ctx, span := otel.Tracer("service").Start(ctx, "Service.Handle")
	defer span.End()

	results, err := s.parser.Parse(frame.Body)
	if err != nil {
		return fmt.Errorf("parse frame %s: %w", frame.ID, err)
	}
	span.SetAttributes(
		attribute.String("message_id", frame.ID),
		attribute.Int("records", len(results)),
	)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			if errors.Is(res.Err, feed.ErrUnknownKind) {
				slog.Debug("Skipping unknown record", "message_id", frame.ID, "error", res.Err)
			} else {
				slog.Warn("Skipping invalid record", "message_id", frame.ID, "error", res.Err)
			}

			continue
		}

		headers := res.Record.Headers
		if frame.ID != "" {
			if headers == nil {
				headers = map[string]string{}
			}
			headers["message_id"] = frame.ID
		}

		ok := s.publisher.Send(ctx, publisher.Message{
			Body:    string(res.Record.Body),
			Headers: headers,
		})
		if !ok {
			failed++
			slog.Error("Dropping record, publish failed",
				"message_id", frame.ID,
				"kind", res.Record.Kind,
				"msg_type", res.Record.MsgType,
			)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d: %w", failed, len(results), ErrNotPublished)
	}

	return nil
}
