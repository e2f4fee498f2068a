package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/JonathanMoss/OpenRailDataGateway/internal/feed"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/publisher"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/rabbitmq"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/transport/stomp"
	"github.com/JonathanMoss/OpenRailDataGateway/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envBindings maps config keys to the environment variables the gateways
// have always been deployed with.
var envBindings = map[string]string{
	"rabbitmq.host":     "RMQ_HOST",
	"rabbitmq.port":     "RMQ_PORT",
	"rabbitmq.vhost":    "RMQ_VHOST",
	"rabbitmq.user":     "RMQ_PROD_USER",
	"rabbitmq.password": "RMQ_PROD_PASS",
	"nrod.user":         "NROD_USER",
	"nrod.password":     "NROD_PASS",
	"darwin.user":       "DARWIN_USER",
	"darwin.password":   "DARWIN_PASS",
	"darwin.host":       "DARWIN_HOST",
	"darwin.port":       "DARWIN_PORT",
	"darwin.topics":     "DARWIN_TOPIC",
	"log.level":         "LOG_LEVEL",
	"log.dir":           "LOG_DIR",
	"jaeger.endpoint":   "JAEGER_ENDPOINT",
	"server.http.port":  "HTTP_PORT",
}

// defaultTopics are the topics each feed subscribes to when <section>.topics
// is not configured.
var defaultTopics = map[feed.Feed][]string{
	feed.FeedTD:     {"TD_ALL_SIG_AREA"},
	feed.FeedTrust:  {"TRAIN_MVT_ALL_TOC"},
	feed.FeedVSTP:   {"VSTP_ALL"},
	feed.FeedDarwin: {"darwin.pushport-v16"},
}

const (
	defaultDarwinHost = "darwin-dist-44ae45.nationalrail.co.uk"
	defaultDarwinPort = 61613
)

// section is the config section holding the STOMP settings of a feed:
// Darwin comes from National Rail, everything else from NROD.
func section(source feed.Feed) string {
	if source == feed.FeedDarwin {
		return "darwin"
	}

	return "nrod"
}

// MustInit loads .env and config.yaml for the named gateway and installs the
// default logger. Both files are optional; environment variables win.
func MustInit(name string) {
	if err := godotenv.Load("./.env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic("error while loading .env file: " + err.Error())
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/" + name)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic("error while reading config file: " + err.Error())
		}
	}

	SetDefaults(viper.GetViper())
	BindEnv(viper.GetViper())
	SetupLogger(name)
}

// SetDefaults registers the fallback values for every gateway setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("rabbitmq.port", rabbitmq.DefaultPort)
	v.SetDefault("rabbitmq.vhost", rabbitmq.DefaultVirtualHost)
	v.SetDefault("rabbitmq.heartbeat_seconds", 30)
	v.SetDefault("rabbitmq.blocked_connection_timeout_seconds", 300)
	v.SetDefault("rabbitmq.confirm_timeout_seconds", 10)
	v.SetDefault("publisher.expiration_ms", publisher.DefaultExpiration)
	v.SetDefault("publisher.max_retries", publisher.DefaultMaxRetries)
	v.SetDefault("publisher.backoff_step_seconds", 2)
	v.SetDefault("nrod.host", stomp.DefaultHost)
	v.SetDefault("nrod.port", stomp.DefaultPort)
	v.SetDefault("nrod.heartbeat_seconds", 15)
	v.SetDefault("darwin.host", defaultDarwinHost)
	v.SetDefault("darwin.port", defaultDarwinPort)
	v.SetDefault("darwin.heartbeat_seconds", 15)
	v.SetDefault("gateway.feed", string(feed.FeedTD))
	v.SetDefault("log.level", "INFO")
	v.SetDefault("jaeger.sample_ratio", 1.0)
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.http.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.http.cors.max_age", 300)
}

// BindEnv binds the config keys to their environment variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(key, env)
	}
}

// logFile is the daily file opened by SetupLogger, if any.
var logFile *logger.DailyFile

// SetupLogger installs the gateway log handler as the slog default. Lines
// also go to a daily file under log.dir when it is set; CloseLogger closes it.
func SetupLogger(name string) {
	if err := CloseLogger(); err != nil {
		slog.Warn("Failed to close previous log file", "error", err)
	}

	var out io.Writer = os.Stdout
	if dir := viper.GetString("log.dir"); dir != "" {
		file, err := logger.OpenDailyFile(dir, name)
		if err != nil {
			panic("error while opening log file: " + err.Error())
		}
		logFile = file
		out = io.MultiWriter(os.Stdout, file)
	}

	handler := logger.NewHandler(&logger.Options{
		Name:   name,
		Level:  logger.ParseLevel(viper.GetString("log.level")),
		Writer: out,
	})
	log := slog.New(handler)
	slog.SetDefault(log)
}

// CloseLogger closes the log file opened by SetupLogger. Later lines still
// reach stdout.
func CloseLogger() error {
	if logFile == nil {
		return nil
	}

	err := logFile.Close()
	logFile = nil

	return err
}

// Gateway resolves which feed this process bridges and the exchange it
// publishes to. The exchange defaults to nrod_<feed>, or nre_darwin.
func Gateway(v *viper.Viper) (feed.Feed, string, error) {
	source := feed.Feed(strings.ToLower(v.GetString("gateway.feed")))
	if _, ok := defaultTopics[source]; !ok {
		return "", "", fmt.Errorf("gateway.feed: %w: %q", feed.ErrUnknownKind, source)
	}

	exchange := v.GetString("gateway.exchange")
	if exchange == "" {
		exchange = defaultExchange(source)
	}

	return source, exchange, nil
}

// MustGateway is Gateway on the global viper instance.
func MustGateway() (feed.Feed, string) {
	source, exchange, err := Gateway(viper.GetViper())
	if err != nil {
		panic(err)
	}

	return source, exchange
}

// Publisher resolves the publisher configuration for exchange.
func Publisher(v *viper.Viper, exchange string) (publisher.Config, error) {
	cfg := publisher.Config{
		Exchange: exchange,
		Broker: rabbitmq.Config{
			Host:                     v.GetString("rabbitmq.host"),
			Port:                     v.GetInt("rabbitmq.port"),
			VirtualHost:              v.GetString("rabbitmq.vhost"),
			Username:                 v.GetString("rabbitmq.user"),
			Password:                 v.GetString("rabbitmq.password"),
			Heartbeat:                seconds(v, "rabbitmq.heartbeat_seconds"),
			BlockedConnectionTimeout: seconds(v, "rabbitmq.blocked_connection_timeout_seconds"),
			ConfirmTimeout:           seconds(v, "rabbitmq.confirm_timeout_seconds"),
		},
		Expiration:  v.GetString("publisher.expiration_ms"),
		MaxRetries:  v.GetInt("publisher.max_retries"),
		BackoffStep: seconds(v, "publisher.backoff_step_seconds"),
	}.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return publisher.Config{}, fmt.Errorf("publisher %q: %w", exchange, err)
	}

	return cfg, nil
}

// MustPublisher is Publisher on the global viper instance; configuration
// errors are fatal at startup.
func MustPublisher(exchange string) publisher.Config {
	cfg, err := Publisher(viper.GetViper(), exchange)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Feed resolves the STOMP feed subscription from the nrod or darwin section,
// depending on gateway.feed.
func Feed(v *viper.Viper) (stomp.Config, error) {
	source := feed.Feed(strings.ToLower(v.GetString("gateway.feed")))
	sec := section(source)

	topics := v.GetStringSlice(sec + ".topics")
	if len(topics) == 0 {
		topics = defaultTopics[source]
	}

	cfg := stomp.Config{
		Host:      v.GetString(sec + ".host"),
		Port:      v.GetInt(sec + ".port"),
		Username:  v.GetString(sec + ".user"),
		Password:  v.GetString(sec + ".password"),
		ClientID:  v.GetString(sec + ".client_id"),
		Topics:    topics,
		Heartbeat: seconds(v, sec+".heartbeat_seconds"),
	}.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return stomp.Config{}, fmt.Errorf("%s feed: %w", sec, err)
	}

	return cfg, nil
}

// MustFeed is Feed on the global viper instance.
func MustFeed() stomp.Config {
	cfg, err := Feed(viper.GetViper())
	if err != nil {
		panic(err)
	}

	return cfg
}

func defaultExchange(source feed.Feed) string {
	if source == feed.FeedDarwin {
		return "nre_darwin"
	}

	return "nrod_" + string(source)
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}
