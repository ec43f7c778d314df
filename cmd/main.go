package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	daemon "github.com/WelcomerTeam/Kook-Daemon/internal"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	exitSevereError = 1
	exitBadStartup  = 2

	startupTimeout = 30 * time.Second
)

func main() {
	configurationLocation := flag.String("configuration", "kook.yaml", "Path of the YAML or TOML configuration file")
	environmentLocation := flag.String("env", ".env", "Path of an optional dotenv file")
	loggingLevel := flag.String("level", "", "Logging level, overrides the configuration")

	flag.Parse()

	// The dotenv file is optional, BOT_TOKEN may already be in the environment.
	_ = godotenv.Load(*environmentLocation)

	bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp}).With().Timestamp().Logger()

	configuration, err := daemon.LoadConfiguration(bootstrap, *configurationLocation)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *loggingLevel != "" {
		configuration.Logging.Level = *loggingLevel
	}

	logger := newLogger(configuration.Logging)

	os.Exit(run(logger, configuration))
}

func newLogger(configuration daemon.LoggingConfiguration) zerolog.Logger {
	level, err := zerolog.ParseLevel(configuration.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{
		zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp},
	}

	if configuration.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   configuration.File,
			MaxSize:    configuration.MaxSize,
			MaxBackups: configuration.MaxBackups,
			MaxAge:     configuration.MaxAge,
			Compress:   configuration.Compress,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().
		Logger()
}

func run(logger zerolog.Logger, configuration daemon.Configuration) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	webhooks := daemon.NewWebhooks(logger, configuration.Webhooks)

	client := daemon.NewClient(logger, configuration.Token, configuration.BaseURL)

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	user, err := client.WhoAmI(startupCtx)

	cancel()

	if err != nil {
		logger.Error().Err(err).Msg("Failed to verify bot token")

		return exitBadStartup
	}

	logger.Info().
		Str("id", user.ID).
		Str("username", user.Username+"#"+user.IdentifyNum).
		Msg("Logged in")

	startupCtx, cancel = context.WithTimeout(ctx, startupTimeout)
	mqClient, clientName, err := daemon.NewProducerClient(startupCtx, configuration.Producer)

	cancel()

	if err != nil {
		logger.Error().Err(err).Msg("Failed to create producer")

		return exitBadStartup
	}

	producer := daemon.NewProducer(logger, mqClient, configuration.Producer.Channel, clientName, configuration.Producer.DedupeWindow.Duration())
	client.OnFatal = producer.OnTransportFatal

	producerCtx, cancelProducer := context.WithCancel(context.Background())
	defer cancelProducer()

	go producer.Run(producerCtx)

	session := daemon.NewSession(logger, configuration.Session, client, producer)

	if configuration.Prometheus.Address != "" {
		go func() {
			err := daemon.ServeMetrics(ctx, logger, configuration.Prometheus.Address, daemon.NewMetricsHandler(session, client))
			if err != nil {
				logger.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	go webhooks.PublishSimpleWebhook(ctx, "Starting daemon", "", "Version "+daemon.VERSION, daemon.EmbedColourKook)

	err = session.Start()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start session")

		return exitBadStartup
	}

	go func() {
		_ = session.Run(ctx)
	}()

	code := 0

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received signal, closing")
	case message := <-producer.Severe():
		logger.Error().Str("message", message).Msg("Unrecoverable session failure, closing")

		webhookCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		webhooks.PublishSimpleWebhook(webhookCtx, "Severe error", "`"+message+"`", clientName, daemon.EmbedColourDanger)
		cancel()

		code = exitSevereError
	}

	session.Close()

	webhookCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	webhooks.PublishSimpleWebhook(webhookCtx, "Daemon closing", "", clientName, daemon.EmbedColourKook)
	cancel()

	return code
}
