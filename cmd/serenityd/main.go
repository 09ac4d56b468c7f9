package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/zeyla/serenity"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	_ = godotenv.Load()

	configurationPath := flag.String("configuration", os.Getenv("CONFIGURATION_PATH"), "Path to the yaml configuration file")
	loggingLevel := flag.String("level", replaceIfEmpty(os.Getenv("LOGGING_LEVEL"), "info"), "Logging level")
	loggingPath := flag.String("log", os.Getenv("LOGGING_PATH"), "Path to log to, in addition to stdout. Empty disables file logging")

	flag.Parse()

	level, err := zerolog.ParseLevel(*loggingLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	writer := zerolog.MultiLevelWriter(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.Stamp,
	})

	if *loggingPath != "" {
		writer = zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.Stamp,
			},
			&lumberjack.Logger{
				Filename:   *loggingPath,
				MaxSize:    100,
				MaxBackups: 5,
				MaxAge:     7,
			},
		)
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level)

	if *configurationPath == "" {
		logger.Fatal().Msg("No configuration path provided")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configuration, err := serenity.NewConfigProviderFromPath(*configurationPath).GetConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	managers, err := startManagers(ctx, logger, configuration)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start managers")
	}

	var api *serenity.StatusAPI

	if configuration.HTTP.Enabled {
		api = serenity.NewStatusAPI(logger, configuration.HTTP.Host, func() []*serenity.Manager {
			return managers
		})

		go func() {
			if err := api.Start(); err != nil {
				logger.Error().Err(err).Msg("Status API stopped")
			}
		}()
	}

	<-ctx.Done()

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, manager := range managers {
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down manager")
		}
	}

	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down status API")
		}
	}
}

func startManagers(ctx context.Context, logger zerolog.Logger, configuration *serenity.Configuration) ([]*serenity.Manager, error) {
	var producerProvider serenity.ProducerProvider

	if configuration.Producer.Type != "" {
		producerProvider = serenity.NewMQProducerProvider(
			configuration.Producer.Type,
			configuration.Producer.Channel,
			configuration.Producer.Configuration,
		)
	}

	// One shared bucket store so managers running shards for the same token
	// cannot identify past each other.
	var identifyProvider serenity.IdentifyProvider = serenity.NewIdentifyViaBuckets()

	if configuration.Identify.URL != "" {
		identifyProvider = serenity.NewIdentifyViaURL(configuration.Identify.URL, configuration.Identify.Headers)
	}

	managers := make([]*serenity.Manager, 0, len(configuration.Managers))

	for _, managerConfiguration := range configuration.Managers {
		// Token can be provided out of band via SERENITY_TOKEN_<identifier>.
		if token := os.Getenv("SERENITY_TOKEN_" + managerConfiguration.ApplicationIdentifier); token != "" {
			managerConfiguration.BotToken = token
		}

		manager, err := serenity.NewManager(serenity.ManagerOptions{
			Logger:           logger,
			Configuration:    managerConfiguration,
			IdentifyProvider: identifyProvider,
			ProducerProvider: producerProvider,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create manager %s: %w", managerConfiguration.ApplicationIdentifier, err)
		}

		managers = append(managers, manager)

		if !managerConfiguration.AutoStart {
			continue
		}

		if err := manager.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start manager %s: %w", managerConfiguration.ApplicationIdentifier, err)
		}
	}

	return managers, nil
}

func replaceIfEmpty(v, s string) string {
	if v == "" {
		return s
	}

	return v
}
