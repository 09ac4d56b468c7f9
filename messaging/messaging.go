package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// MQClient is a message queue transport for produced payloads.
type MQClient interface {
	String() string
	Channel() string

	Connect(ctx context.Context, clientName string, args map[string]any) error
	Publish(ctx context.Context, channelName string, data []byte) error
	Close() error
}

// MQClientTypes lists the transports NewMQClient accepts.
func MQClientTypes() []string {
	return []string{"jetstream", "stan", "kafka", "redis"}
}

// NewMQClient creates an unconnected client for the named transport.
func NewMQClient(mqType string) (MQClient, error) {
	switch strings.ToLower(mqType) {
	case "jetstream":
		return &JetStreamMQClient{}, nil
	case "stan":
		return &StanMQClient{}, nil
	case "kafka":
		return &KafkaMQClient{}, nil
	case "redis":
		return &RedisMQClient{}, nil
	default:
		return nil, fmt.Errorf("unknown message queue type %q", mqType)
	}
}

// GetEntry returns the first value whose key matches case insensitively.
func GetEntry(m map[string]any, key string) any {
	key = strings.ToLower(key)

	for k, v := range m {
		if strings.ToLower(k) == key {
			return v
		}
	}

	return nil
}

// getEntryBool reads an optional boolean argument given as a string.
func getEntryBool(m map[string]any, key string, def bool) bool {
	str, ok := GetEntry(m, key).(string)
	if !ok {
		return def
	}

	value, err := strconv.ParseBool(str)
	if err != nil {
		return def
	}

	return value
}
