package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeyla/serenity"
	"github.com/zeyla/serenity/discord"
)

// Connects a single application using the library directly and prints every
// dispatch event it receives.
func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.Stamp,
	}).With().Timestamp().Logger()

	token := os.Getenv("BOT_TOKEN")
	if token == "" {
		logger.Fatal().Msg("BOT_TOKEN is required")
	}

	producer := serenity.NewChannelProducer(1024)

	manager, err := serenity.NewManager(serenity.ManagerOptions{
		Logger: logger,
		Configuration: &serenity.ManagerConfiguration{
			ApplicationIdentifier: "example",
			ProducerIdentifier:    "example",
			ClientName:            "example",
			BotToken:              token,
			AutoSharded:           true,
			Intents:               discord.IntentGuilds | discord.IntentGuildMessages,
			TransportCompression:  true,
		},
		ProducerProvider: producer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create manager")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start manager")
	}

	go func() {
		for payload := range producer.Events() {
			logger.Info().
				Str("type", payload.Type).
				Int64("sequence", payload.Sequence).
				Int32("shard", payload.Metadata.Shard[0]).
				Msg("Received dispatch")
		}
	}()

	if err := manager.WaitForReady(ctx); err == nil {
		logger.Info().Int32("shards", manager.ShardCount()).Msg("All shards ready")
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = manager.Shutdown(shutdownCtx)
}
