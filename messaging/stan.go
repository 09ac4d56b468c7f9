package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
)

type StanMQClient struct {
	natsClient *nats.Conn
	stanClient stan.Conn

	async bool

	channel string
	cluster string
}

func (stanMQ *StanMQClient) String() string {
	return "stan"
}

func (stanMQ *StanMQClient) Channel() string {
	return stanMQ.channel
}

func (stanMQ *StanMQClient) Cluster() string {
	return stanMQ.cluster
}

func (stanMQ *StanMQClient) Connect(_ context.Context, clientName string, args map[string]any) error {
	address, ok := GetEntry(args, "Address").(string)
	if !ok {
		return errors.New("stanMQ connect: string type assertion failed for Address")
	}

	cluster, ok := GetEntry(args, "Cluster").(string)
	if !ok {
		return errors.New("stanMQ connect: string type assertion failed for Cluster")
	}

	channel, ok := GetEntry(args, "Channel").(string)
	if !ok {
		return errors.New("stanMQ connect: string type assertion failed for Channel")
	}

	stanMQ.cluster = cluster
	stanMQ.channel = channel
	stanMQ.async = getEntryBool(args, "Async", false)

	var option stan.Option

	if getEntryBool(args, "UseNATSConnection", true) {
		natsClient, err := nats.Connect(address, nats.Name(clientName))
		if err != nil {
			return fmt.Errorf("stanMQ connect nats: %w", err)
		}

		stanMQ.natsClient = natsClient
		option = stan.NatsConn(natsClient)
	} else {
		option = stan.NatsURL(address)
	}

	stanClient, err := stan.Connect(cluster, clientName, option)
	if err != nil {
		return fmt.Errorf("stanMQ connect stan: %w", err)
	}

	stanMQ.stanClient = stanClient

	return nil
}

func (stanMQ *StanMQClient) Publish(_ context.Context, channelName string, data []byte) error {
	if stanMQ.async {
		_, err := stanMQ.stanClient.PublishAsync(channelName, data, nil)

		return err
	}

	return stanMQ.stanClient.Publish(channelName, data)
}

func (stanMQ *StanMQClient) Close() error {
	if stanMQ.stanClient != nil {
		if err := stanMQ.stanClient.Close(); err != nil {
			return err
		}
	}

	if stanMQ.natsClient != nil {
		stanMQ.natsClient.Close()
	}

	return nil
}
