package internal

import (
	"context"
	"net"

	"github.com/WelcomerTeam/Kook-Daemon/pkg/ratelimit"
	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/xerrors"
)

var (
	gatewayMessageCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kook_gateway_messages_total",
			Help: "Gateway messages received by kind",
		},
		[]string{"kind"},
	)

	gatewayEventsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kook_gateway_events_applied_total",
			Help: "Events released to the consumer",
		},
	)

	sequenceGapCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kook_sequence_gaps_total",
			Help: "Events that arrived ahead of a missing sequence number",
		},
	)

	sequenceForcedDrainCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kook_sequence_forced_drains_total",
			Help: "Gaps that were abandoned after the gap timeout",
		},
	)

	sequenceBufferedCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kook_sequence_buffered_count",
			Help: "Events held back waiting for a missing sequence number",
		},
	)

	sessionStateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kook_session_state",
			Help: "Current session state",
		},
	)

	sessionTransitionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kook_session_transitions_total",
			Help: "Session state transitions by target state",
		},
		[]string{"state"},
	)

	gatewayLatency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kook_gateway_latency_seconds",
			Help: "Time between the last ping and its pong",
		},
	)

	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kook_ratelimit_rejections_total",
			Help: "Requests refused by the rate limiter",
		},
		[]string{"bucket", "reason"},
	)

	producerPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kook_producer_publish_failures_total",
			Help: "Events that could not be published",
		},
	)

	producerDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kook_producer_deduplicated_total",
			Help: "Events dropped because their msg_id was seen recently",
		},
	)
)

func init() { //nolint
	prometheus.MustRegister(gatewayMessageCount)
	prometheus.MustRegister(gatewayEventsApplied)
	prometheus.MustRegister(sequenceGapCount)
	prometheus.MustRegister(sequenceForcedDrainCount)
	prometheus.MustRegister(sequenceBufferedCount)
	prometheus.MustRegister(sessionStateGauge)
	prometheus.MustRegister(sessionTransitionCount)
	prometheus.MustRegister(gatewayLatency)
	prometheus.MustRegister(rateLimitRejections)
	prometheus.MustRegister(producerPublishFailures)
	prometheus.MustRegister(producerDeduplicated)
}

type healthResponse struct {
	State     string             `json:"state"`
	Connected bool               `json:"connected"`
	SessionID string             `json:"session_id"`
	Sequence  int64              `json:"sequence"`
	Buckets   []ratelimit.Bucket `json:"buckets"`
}

// NewMetricsHandler serves /metrics and a /healthz summary of the session
// and the rate limit buckets the client knows about.
func NewMetricsHandler(session *Session, client *Client) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{},
	)))

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		state := session.State()
		identity := session.Identity()

		res, err := json.Marshal(healthResponse{
			State:     state.String(),
			Connected: state.IsConnected(),
			SessionID: identity.SessionID,
			Sequence:  identity.LastSequence,
			Buckets:   client.Buckets.Buckets(),
		})
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)

			return
		}

		if !state.IsConnected() {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		}

		ctx.SetContentType("application/json")
		ctx.SetBody(res)
	})

	return r.Handler
}

// ServeMetrics listens on address until ctx is done.
func ServeMetrics(ctx context.Context, logger zerolog.Logger, address string, handler fasthttp.RequestHandler) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return xerrors.Errorf("failed to listen on %s: %w", address, err)
	}

	server := &fasthttp.Server{
		Handler: handler,
		Name:    "KookDaemon",
	}

	go func() {
		<-ctx.Done()

		_ = server.Shutdown()
	}()

	logger.Info().Msgf("Serving metrics at %s", address)

	err = server.Serve(listener)
	if err != nil {
		return xerrors.Errorf("failed to serve metrics: %w", err)
	}

	return nil
}
