package mqclients

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"golang.org/x/xerrors"
)

func init() {
	register("kafka", func() MQClient { return &KafkaMQClient{} })
}

type KafkaMQClient struct {
	KafkaClient *kafka.Writer

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
	default:
		return &kafka.LeastBytes{}
	}
}

func (kafkaMQ *KafkaMQClient) String() string {
	return "kafka"
}

func (kafkaMQ *KafkaMQClient) Channel() string {
	return kafkaMQ.channel
}

func (kafkaMQ *KafkaMQClient) Connect(ctx context.Context, clientName string, args map[string]interface{}) (err error) {
	var ok bool

	var address string

	if address, ok = getString(args, "Address"); !ok {
		return xerrors.New("kafkaMQ connect: string type assertion failed for Address")
	}

	balancer, _ := getString(args, "Balancer")
	kafkaMQ.channel, _ = getString(args, "Channel")

	var async bool

	if asyncStr, ok := getString(args, "Async"); ok {
		async, _ = strconv.ParseBool(asyncStr)
	}

	kafkaMQ.KafkaClient = &kafka.Writer{
		Addr:     kafka.TCP(address),
		Balancer: parseKafkaBalancer(balancer),
		Async:    async,
		Transport: &kafka.Transport{
			ClientID: clientName,
		},
	}

	return nil
}

func (kafkaMQ *KafkaMQClient) Publish(ctx context.Context, channelName string, data []byte) (err error) {
	return kafkaMQ.KafkaClient.WriteMessages(
		ctx,
		kafka.Message{
			Topic: channelName,
			Value: data,
		},
	)
}

func (kafkaMQ *KafkaMQClient) Close() error {
	if kafkaMQ.KafkaClient == nil {
		return nil
	}

	return kafkaMQ.KafkaClient.Close()
}
