package serenity

import (
	"context"
	"fmt"
	"os"

	"github.com/zeyla/serenity/discord"
	"gopkg.in/yaml.v3"
)

// Configuration represents the daemon configuration file.
type Configuration struct {
	HTTP struct {
		Host    string `json:"host" yaml:"host"`
		Enabled bool   `json:"enabled" yaml:"enabled"`
	} `json:"http" yaml:"http"`

	Producer struct {
		Type          string         `json:"type" yaml:"type"`
		Channel       string         `json:"channel" yaml:"channel"`
		Configuration map[string]any `json:"configuration" yaml:"configuration"`
	} `json:"producer" yaml:"producer"`

	Identify struct {
		// URL of an external identify coordinator shared between processes.
		// Leave empty to rate limit identifies in process.
		URL     string            `json:"url" yaml:"url"`
		Headers map[string]string `json:"headers" yaml:"headers"`
	} `json:"identify" yaml:"identify"`

	Managers []*ManagerConfiguration `json:"managers" yaml:"managers"`
}

// ManagerConfiguration configures one application's shard set.
type ManagerConfiguration struct {
	// ApplicationIdentifier uniquely names this manager internally.
	ApplicationIdentifier string `json:"application_identifier" yaml:"application_identifier"`

	// ProducerIdentifier is the reusable identifier consumers route on.
	ProducerIdentifier string `json:"producer_identifier" yaml:"producer_identifier"`

	// ClientName is passed to producers on connect.
	ClientName          string `json:"client_name" yaml:"client_name"`
	IncludeRandomSuffix bool   `json:"client_name_uses_random_suffix" yaml:"client_name_uses_random_suffix"`

	BotToken  string `json:"bot_token" yaml:"bot_token"`
	AutoStart bool   `json:"auto_start" yaml:"auto_start"`

	Intents discord.GatewayIntent `json:"intents" yaml:"intents"`

	// TransportCompression negotiates a compressed transport stream instead
	// of per payload compression.
	TransportCompression bool `json:"transport_compression" yaml:"transport_compression"`

	// Events the manager should not handle at all.
	EventBlacklist []string `json:"event_blacklist" yaml:"event_blacklist"`
	// Events the manager handles but will not produce.
	ProduceBlacklist []string `json:"produce_blacklist" yaml:"produce_blacklist"`

	// AutoSharded uses the gateway's recommended shard count.
	AutoSharded bool  `json:"auto_sharded" yaml:"auto_sharded"`
	ShardCount  int32 `json:"shard_count" yaml:"shard_count"`
	// ShardIDs restricts this process to a subset, e.g. "0-3,6".
	ShardIDs string `json:"shard_ids" yaml:"shard_ids"`
}

func (cfg *ManagerConfiguration) Validate() error {
	if cfg.ApplicationIdentifier == "" {
		return ErrManagerMissingIdentifier
	}

	if cfg.BotToken == "" {
		return ErrManagerMissingBotToken
	}

	return nil
}

// ConfigProvider loads and persists daemon configuration.
type ConfigProvider interface {
	GetConfig(ctx context.Context) (*Configuration, error)
	SaveConfig(ctx context.Context, config *Configuration) error
}

// ConfigProviderFromPath is a basic config provider backed by a yaml file.
type ConfigProviderFromPath struct {
	path string
}

func NewConfigProviderFromPath(path string) ConfigProviderFromPath {
	return ConfigProviderFromPath{path}
}

func (c ConfigProviderFromPath) GetConfig(_ context.Context) (*Configuration, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadConfigurationFailure, err)
	}

	var config Configuration

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfigurationFailure, err)
	}

	for _, manager := range config.Managers {
		if err := manager.Validate(); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

func (c ConfigProviderFromPath) SaveConfig(_ context.Context, config *Configuration) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	return os.WriteFile(c.path, data, 0o600)
}
