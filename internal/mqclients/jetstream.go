package mqclients

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/xerrors"
)

func init() {
	register("jetstream", func() MQClient { return &JetStreamMQClient{} })
}

type JetStreamMQClient struct {
	NatsClient      *nats.Conn          `json:"-"`
	JetStreamClient jetstream.JetStream `json:"-"`
	JetStreamStream jetstream.Stream    `json:"-"`

	channel string
}

func (jetstreamMQ *JetStreamMQClient) String() string {
	return "jetstream"
}

func (jetstreamMQ *JetStreamMQClient) Channel() string {
	return jetstreamMQ.channel
}

func (jetstreamMQ *JetStreamMQClient) Connect(ctx context.Context, clientName string, args map[string]interface{}) (err error) {
	var ok bool

	var address string

	if address, ok = getString(args, "Address"); !ok {
		return xerrors.New("jetstreamMQ connect: string type assertion failed for Address")
	}

	if jetstreamMQ.channel, ok = getString(args, "Channel"); !ok {
		return xerrors.New("jetstreamMQ connect: string type assertion failed for Channel")
	}

	retention := jetstream.WorkQueuePolicy

	if interest, ok := getString(args, "UseInterestPolicy"); ok && mustParseBool(interest) {
		retention = jetstream.InterestPolicy
	}

	jetstreamMQ.NatsClient, err = nats.Connect(address, nats.Name(clientName))
	if err != nil {
		return xerrors.Errorf("jetstreamMQ connect nats: %w", err)
	}

	jetstreamMQ.JetStreamClient, err = jetstream.New(jetstreamMQ.NatsClient)
	if err != nil {
		return xerrors.Errorf("jetstreamMQ new: %w", err)
	}

	jetstreamMQ.JetStreamStream, err = jetstreamMQ.JetStreamClient.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              jetstreamMQ.channel,
		Subjects:          []string{jetstreamMQ.channel + ".*"},
		Retention:         retention,
		Discard:           jetstream.DiscardOld,
		MaxAge:            5 * time.Minute,
		Storage:           jetstream.MemoryStorage,
		MaxMsgsPerSubject: 1_000_000,
		MaxMsgSize:        math.MaxInt32,
		NoAck:             false,
	})
	if err != nil {
		return xerrors.Errorf("jetstreamMQ create stream: %w", err)
	}

	return nil
}

func mustParseBool(str string) bool {
	boolean, _ := strconv.ParseBool(str)

	return boolean
}

// Publish sends to the subject channelName under the stream.
func (jetstreamMQ *JetStreamMQClient) Publish(ctx context.Context, channelName string, data []byte) error {
	_, err := jetstreamMQ.JetStreamClient.Publish(
		ctx,
		jetstreamMQ.channel+"."+channelName,
		data,
	)

	return err
}

func (jetstreamMQ *JetStreamMQClient) Close() error {
	if jetstreamMQ.NatsClient != nil {
		jetstreamMQ.NatsClient.Close()
	}

	return nil
}
