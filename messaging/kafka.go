package messaging

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
)

type KafkaMQClient struct {
	kafkaClient *kafka.Writer

	channel string
}

func parseKafkaBalancer(balancer string) kafka.Balancer {
	switch balancer {
	case "crc32":
		return &kafka.CRC32Balancer{}
	case "hash":
		return &kafka.Hash{}
	case "murmur2":
		return &kafka.Murmur2Balancer{}
	case "roundrobin":
		return &kafka.RoundRobin{}
	case "leastbytes":
		return &kafka.LeastBytes{}
	default:
		return nil
	}
}

func (kafkaMQ *KafkaMQClient) String() string {
	return "kafka"
}

func (kafkaMQ *KafkaMQClient) Channel() string {
	return kafkaMQ.channel
}

func (kafkaMQ *KafkaMQClient) Connect(_ context.Context, _ string, args map[string]any) error {
	address, ok := GetEntry(args, "Address").(string)
	if !ok {
		return errors.New("kafkaMQ connect: string type assertion failed for Address")
	}

	balancerStr, ok := GetEntry(args, "Balancer").(string)
	if !ok {
		return errors.New("kafkaMQ connect: string type assertion failed for Balancer")
	}

	balancer := parseKafkaBalancer(balancerStr)
	if balancer == nil {
		return errors.New("kafkaMQ connect: unknown balancer " + balancerStr)
	}

	kafkaMQ.kafkaClient = &kafka.Writer{
		Addr:     kafka.TCP(address),
		Balancer: balancer,
		Async:    getEntryBool(args, "Async", false),
	}

	return nil
}

func (kafkaMQ *KafkaMQClient) Publish(ctx context.Context, channelName string, data []byte) error {
	return kafkaMQ.kafkaClient.WriteMessages(
		ctx,
		kafka.Message{
			Topic: channelName,
			Value: data,
		},
	)
}

func (kafkaMQ *KafkaMQClient) Close() error {
	if kafkaMQ.kafkaClient != nil {
		return kafkaMQ.kafkaClient.Close()
	}

	return nil
}
