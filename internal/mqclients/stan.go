package mqclients

import (
	"context"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"golang.org/x/xerrors"
)

func init() {
	register("stan", func() MQClient { return &StanMQClient{} })
}

type StanMQClient struct {
	NatsClient *nats.Conn `json:"-"`
	StanClient stan.Conn  `json:"-"`

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

func (stanMQ *StanMQClient) Connect(ctx context.Context, clientName string, args map[string]interface{}) (err error) {
	var ok bool

	var address string

	if address, ok = getString(args, "Address"); !ok {
		return xerrors.New("stanMQ connect: string type assertion failed for Address")
	}

	if stanMQ.cluster, ok = getString(args, "Cluster"); !ok {
		return xerrors.New("stanMQ connect: string type assertion failed for Cluster")
	}

	stanMQ.channel, _ = getString(args, "Channel")

	useNatsConnection := true

	if useNatsConnectionStr, ok := getString(args, "UseNATSConnection"); ok {
		if parsed, err := strconv.ParseBool(useNatsConnectionStr); err == nil {
			useNatsConnection = parsed
		}
	}

	if asyncStr, ok := getString(args, "Async"); ok {
		stanMQ.async, _ = strconv.ParseBool(asyncStr)
	}

	var option stan.Option

	if useNatsConnection {
		stanMQ.NatsClient, err = nats.Connect(address, nats.Name(clientName))
		if err != nil {
			return xerrors.Errorf("stanMQ connect nats: %w", err)
		}

		option = stan.NatsConn(stanMQ.NatsClient)
	} else {
		option = stan.NatsURL(address)
	}

	stanMQ.StanClient, err = stan.Connect(
		stanMQ.cluster,
		clientName,
		option,
	)
	if err != nil {
		return xerrors.Errorf("stanMQ connect stan: %w", err)
	}

	return nil
}

func (stanMQ *StanMQClient) Publish(ctx context.Context, channelName string, data []byte) (err error) {
	if stanMQ.async {
		_, err = stanMQ.StanClient.PublishAsync(
			channelName,
			data,
			nil,
		)

		return
	}

	return stanMQ.StanClient.Publish(
		channelName,
		data,
	)
}

func (stanMQ *StanMQClient) Close() (err error) {
	if stanMQ.StanClient != nil {
		err = stanMQ.StanClient.Close()
	}

	if stanMQ.NatsClient != nil {
		stanMQ.NatsClient.Close()
	}

	return err
}
