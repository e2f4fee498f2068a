package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JonathanMoss/OpenRailDataGateway/internal/config"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/feed"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/otel"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/publisher"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/service/services/gatewaysvc"
	httptransport "github.com/JonathanMoss/OpenRailDataGateway/internal/transport/http"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/transport/stomp"
	"github.com/spf13/viper"
)

// App represents one gateway process: one feed, one exchange.
type App struct {
	gatewaySvc     *gatewaysvc.GatewayService
	listener       *stomp.Listener
	httpTransport  *httptransport.HTTPTransport
	publisher      *publisher.Publisher
	otelController *otel.OtelController
}

// MustNewApp creates a new application. Configuration errors and an
// unreachable broker are fatal.
func MustNewApp(name string) *App {
	otelController := otel.MustInitOtel(name, viper.GetString("jaeger.endpoint"), viper.GetFloat64("jaeger.sample_ratio"))

	source, exchange := config.MustGateway()
	parser, err := feed.NewParser(source)
	if err != nil {
		panic(err)
	}

	pub := publisher.MustNew(config.MustPublisher(exchange))
	pub.MustConnect(context.Background())

	gatewaySvc := gatewaysvc.MustNewGatewayService(
		gatewaysvc.WithPublisher(pub),
		gatewaysvc.WithParser(parser),
	)

	listener := stomp.NewListener(config.MustFeed(), gatewaySvc)

	httpTransport := httptransport.NewHTTPTransport(fmt.Sprintf(":%d", viper.GetInt("server.http.port")), pub)
	httpTransport.RegisterRoutes()

	slog.Info("Gateway configured", "feed", source, "exchange", exchange)

	return &App{
		gatewaySvc:     gatewaySvc,
		listener:       listener,
		httpTransport:  httpTransport,
		publisher:      pub,
		otelController: otelController,
	}
}

// Run starts the feed listener and blocks until an interrupt signal or
// until the feed connection is lost, which is returned as an error.
func (a *App) Run() error {
	// Create a channel to receive OS signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("Starting feed listener")
		listenErr <- a.listener.Run(ctx)
	}()

	go func() {
		slog.Info("Starting HTTP server", "port", viper.GetInt("server.http.port"))
		if err := a.httpTransport.Run(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	var runErr error
	select {
	case <-stop:
		slog.Info("Shutdown signal received")
		cancel()
		if err := <-listenErr; err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Feed listener error", "error", err)
		}
	case runErr = <-listenErr:
		slog.Error("Feed listener stopped", "error", runErr)
		cancel()
	}

	a.gracefulShutdown()

	return runErr
}

// gracefulShutdown stops the HTTP server, closes the publisher, then
// flushes traces.
func (a *App) gracefulShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.httpTransport.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped gracefully")
	}

	stats := a.publisher.Stats()
	if err := a.publisher.Close(); err != nil {
		slog.Error("RabbitMQ connection close error", "error", err)
	} else {
		slog.Info("RabbitMQ connection closed gracefully", "sent", stats.Sent, "retries", stats.Retries)
	}

	if err := a.otelController.Shutdown(ctx); err != nil {
		slog.Error("Otel trace provider connection close error", "error", err)
	} else {
		slog.Info("Otel trace provider connection closed gracefully")
	}

	select {
	case <-ctx.Done():
		slog.Warn("Shutdown timeout exceeded")
	default:
		slog.Info("Application shutdown complete")
	}

	if err := config.CloseLogger(); err != nil {
		slog.Error("Log file close error", "error", err)
	}
}
