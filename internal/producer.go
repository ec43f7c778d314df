package internal

import (
	"context"
	"time"

	"github.com/WelcomerTeam/Kook-Daemon/internal/mqclients"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Custom events published next to gateway events.
const (
	KookEventMessage       = "KOOK_MESSAGE_EVENT"
	KookEventSystem        = "KOOK_SYSTEM_EVENT"
	KookEventSessionReset  = "KOOK_SESSION_RESET"
	KookEventSessionStatus = "KOOK_SESSION_STATUS"
)

const (
	// KOOK event type of system events.
	systemEventType = 255

	ProducerQueueSize     = 1024
	ProducerPublishLimit  = 10 * time.Second
	dedupeSweepInterval   = time.Minute
	severeErrorBufferSize = 1
)

// ProducedPayload is what is written to the message queue.
type ProducedPayload struct {
	Type     string              `json:"t"`
	Data     jsoniter.RawMessage `json:"d"`
	Metadata ProducedMetadata    `json:"__kook"`

	// Forgotten again when the payload could not be published.
	dedupeKey string
}

type ProducedMetadata struct {
	Version    string `json:"v"`
	Identifier string `json:"i"`
	ProducedAt int64  `json:"at"`
}

// Producer is the daemon's Consumer. In-order events are published to the
// configured message queue from a single worker so the session loop never
// waits on the network.
type Producer struct {
	Logger zerolog.Logger

	client     mqclients.MQClient
	channel    string
	identifier string

	dedupe *Deduplicator

	queue  chan ProducedPayload
	severe chan string

	now func() time.Time
}

// NewProducer creates a Producer. client may be nil, then events are only logged.
func NewProducer(logger zerolog.Logger, client mqclients.MQClient, channel string, identifier string, dedupeWindow time.Duration) *Producer {
	return &Producer{
		Logger: logger.With().Str("component", "producer").Logger(),

		client:     client,
		channel:    channel,
		identifier: identifier,

		dedupe: NewDeduplicator(dedupeWindow),

		queue:  make(chan ProducedPayload, ProducerQueueSize),
		severe: make(chan string, severeErrorBufferSize),

		now: time.Now,
	}
}

// NewProducerClient connects the message queue named in configuration.
func NewProducerClient(ctx context.Context, configuration ProducerConfiguration) (client mqclients.MQClient, clientName string, err error) {
	clientName = configuration.ClientName
	if clientName == "" {
		clientName = "kook-daemon"
	}

	if configuration.IncludeRandomSuffix {
		clientName += "-" + uuid.NewString()
	}

	if configuration.Type == "" {
		return nil, clientName, nil
	}

	client, err = mqclients.NewMQClient(configuration.Type)
	if err != nil {
		return nil, clientName, xerrors.Errorf("failed to create producer client: %w", err)
	}

	args := make(map[string]interface{}, len(configuration.Configuration)+1)
	for key, value := range configuration.Configuration {
		args[key] = value
	}

	if mqclients.GetEntry(args, "Channel") == nil {
		args["Channel"] = configuration.Channel
	}

	err = client.Connect(ctx, clientName, args)
	if err != nil {
		return nil, clientName, xerrors.Errorf("failed to connect producer client: %w", err)
	}

	return client, clientName, nil
}

// Severe reports severe errors. The daemon exits when it receives one.
func (p *Producer) Severe() <-chan string {
	return p.severe
}

// OnEvent publishes a gateway event unless its msg_id was seen recently.
func (p *Producer) OnEvent(payload jsoniter.RawMessage) {
	var dedupeKey string

	if messageID := jsoniter.Get(payload, "msg_id").ToString(); messageID != "" {
		dedupeKey = createDedupeMessageKey(messageID)

		if p.dedupe.CheckAndAddDedupe(dedupeKey) {
			producerDeduplicated.Inc()
			p.Logger.Debug().Str("msg_id", messageID).Msg("Dropped duplicate event")

			return
		}
	}

	eventType := KookEventMessage
	if jsoniter.Get(payload, "type").ToInt() == systemEventType {
		eventType = KookEventSystem
	}

	p.enqueue(eventType, payload, dedupeKey)
}

func (p *Producer) OnSevereError(message string) {
	p.Logger.Error().Str("message", message).Msg("Severe error")

	select {
	case p.severe <- message:
	default:
	}
}

// OnTransportFatal reports a fatal REST transport error. It shares the
// severe channel with the session, so one failure closes the daemon once.
func (p *Producer) OnTransportFatal(err error) {
	p.OnSevereError("Rate limit desynchronised: " + err.Error())
}

func (p *Producer) OnSessionReset() {
	p.Logger.Warn().Msg("Session was reset")
	p.enqueue(KookEventSessionReset, emptyData, "")
}

func (p *Producer) OnStateChange(from SessionState, to SessionState) {
	data, err := json.Marshal(SessionStatusUpdate{From: from, To: to})
	if err != nil {
		p.Logger.Error().Err(err).Msg("Failed to marshal status update")

		return
	}

	p.enqueue(KookEventSessionStatus, data, "")
}

func (p *Producer) enqueue(eventType string, data jsoniter.RawMessage, dedupeKey string) {
	payload := ProducedPayload{
		Type: eventType,
		Data: data,
		Metadata: ProducedMetadata{
			Version:    VERSION,
			Identifier: p.identifier,
			ProducedAt: p.now().UnixMilli(),
		},
		dedupeKey: dedupeKey,
	}

	select {
	case p.queue <- payload:
	default:
		producerPublishFailures.Inc()
		p.forget(payload)
		p.Logger.Warn().Str("type", eventType).Msg("Producer queue full, dropped event")
	}
}

// Run publishes queued events until ctx is done, then closes the client.
func (p *Producer) Run(ctx context.Context) {
	sweep := time.NewTicker(dedupeSweepInterval)
	defer sweep.Stop()

	defer func() {
		if p.client != nil {
			if err := p.client.Close(); err != nil {
				p.Logger.Warn().Err(err).Msg("Failed to close producer client")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			p.dedupe.Sweep()
		case payload := <-p.queue:
			err := p.publish(ctx, payload)
			if err != nil && !xerrors.Is(err, context.Canceled) {
				producerPublishFailures.Inc()
				p.forget(payload)
				p.Logger.Error().Err(err).Str("type", payload.Type).Msg("Failed to publish event")
			}
		}
	}
}

// forget lets a redelivered copy of an unpublished event through.
func (p *Producer) forget(payload ProducedPayload) {
	if payload.dedupeKey != "" {
		p.dedupe.RemoveDedupe(payload.dedupeKey)
	}
}

func (p *Producer) publish(ctx context.Context, payload ProducedPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Errorf("failed to marshal payload: %w", err)
	}

	if p.client == nil {
		p.Logger.Info().Str("type", payload.Type).RawJSON("data", payload.Data).Msg("Event")

		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, ProducerPublishLimit)
	defer cancel()

	err = p.client.Publish(ctx, p.channel, data)
	if err != nil {
		return xerrors.Errorf("publishEvent publish: %w", err)
	}

	return nil
}
