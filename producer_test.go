package serenity

import (
	"context"
	"testing"

	"github.com/zeyla/serenity/discord"
)

func TestChannelProducer(t *testing.T) {
	producer := NewChannelProducer(1)

	payload := ProducedPayload{
		GatewayPayload: discord.GatewayPayload{
			Op:       discord.GatewayOpDispatch,
			Type:     "MESSAGE_CREATE",
			Sequence: 7,
		},
		Metadata: ProducedMetadata{
			Identifier: "test",
			Shard:      [2]int32{0, 1},
		},
	}

	if err := producer.Publish(context.Background(), nil, payload); err != nil {
		t.Fatalf("publish returned error: %v", err)
	}

	received := <-producer.Events()
	if received.Type != "MESSAGE_CREATE" || received.Sequence != 7 {
		t.Errorf("unexpected payload: %+v", received)
	}

	// A full channel must respect cancellation instead of blocking forever.
	if err := producer.Publish(context.Background(), nil, payload); err != nil {
		t.Fatalf("publish returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := producer.Publish(ctx, nil, payload); err == nil {
		t.Error("expected cancellation error on full channel")
	}
}

func TestTrace(t *testing.T) {
	trace := Trace{}
	trace.Set("receive", 100)
	trace.Set("publish", 200)

	if trace["receive"] != 100 || trace["publish"] != 200 {
		t.Errorf("unexpected trace contents: %v", trace)
	}
}
