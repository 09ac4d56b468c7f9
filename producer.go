package serenity

import (
	"context"
	"fmt"

	"github.com/zeyla/serenity/discord"
	"github.com/zeyla/serenity/messaging"
)

// Trace carries nanosecond timestamps through the produce pipeline.
type Trace map[string]int64

func (t Trace) Set(key string, value int64) {
	t[key] = value
}

// ProducedPayload is the unit handed to producers: the dispatch envelope plus
// routing metadata and trace timestamps.
type ProducedPayload struct {
	discord.GatewayPayload

	Metadata ProducedMetadata `json:"__metadata"`
	Trace    Trace            `json:"__trace,omitempty"`
}

// ProducedMetadata identifies the origin of a produced payload.
type ProducedMetadata struct {
	Identifier    string            `json:"i"`
	Application   string            `json:"a"`
	ApplicationID discord.Snowflake `json:"id"`
	Shard         [2]int32          `json:"s"`
}

// Producer consumes dispatch events. Publish is called from the owning
// shard's goroutine, so per-shard ordering is the dispatch order; a Publish
// that never returns stalls that shard.
type Producer interface {
	Publish(ctx context.Context, shard *Shard, payload ProducedPayload) error
	Close() error
}

// ProducerProvider creates a Producer for a manager.
type ProducerProvider interface {
	GetProducer(ctx context.Context, managerIdentifier, clientName string) (Producer, error)
}

// ChannelProducer delivers payloads to a bounded in-process channel. Intended
// for library consumers that want events in the same process.
type ChannelProducer struct {
	ch chan ProducedPayload
}

func NewChannelProducer(buffer int) *ChannelProducer {
	return &ChannelProducer{
		ch: make(chan ProducedPayload, buffer),
	}
}

// Events returns the channel payloads are delivered on.
func (p *ChannelProducer) Events() <-chan ProducedPayload {
	return p.ch
}

func (p *ChannelProducer) GetProducer(_ context.Context, _, _ string) (Producer, error) {
	return p, nil
}

func (p *ChannelProducer) Publish(ctx context.Context, _ *Shard, payload ProducedPayload) error {
	select {
	case p.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ChannelProducer) Close() error {
	return nil
}

// MQProducerProvider connects a message queue client per manager and
// publishes payloads to a fixed channel name.
type MQProducerProvider struct {
	Type          string
	Channel       string
	Configuration map[string]any
}

func NewMQProducerProvider(mqType, channel string, configuration map[string]any) *MQProducerProvider {
	return &MQProducerProvider{
		Type:          mqType,
		Channel:       channel,
		Configuration: configuration,
	}
}

func (provider *MQProducerProvider) GetProducer(ctx context.Context, managerIdentifier, clientName string) (Producer, error) {
	client, err := messaging.NewMQClient(provider.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProducerMissing, err)
	}

	err = client.Connect(ctx, clientName, provider.Configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to connect producer: %w", err)
	}

	return &mqProducer{
		client:  client,
		channel: provider.Channel,
	}, nil
}

type mqProducer struct {
	client  messaging.MQClient
	channel string
}

func (p *mqProducer) Publish(ctx context.Context, shard *Shard, payload ProducedPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal produced payload: %w", err)
	}

	err = p.client.Publish(ctx, p.channel, data)
	if err != nil {
		return fmt.Errorf("failed to publish payload: %w", err)
	}

	return nil
}

func (p *mqProducer) Close() error {
	return p.client.Close()
}
