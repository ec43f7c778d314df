package internal

import (
	"context"
	"time"

	"github.com/WelcomerTeam/RealRock/deadlock"
	"github.com/WelcomerTeam/RealRock/limiter"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	gotils_strconv "github.com/savsgio/gotils/strconv"
	"go.uber.org/atomic"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
)

const (
	WebsocketReadLimit  = 512 << 20
	WebsocketRateLimit  = 110
	WebsocketWriteLimit = 5 * time.Second

	// Frames queued for the writer before new ones are dropped.
	WriteBufferSize = 16

	LoopBufferSize = 64
)

// Consumer receives everything the session produces. Callbacks run on the
// session's loop and must not block.
type Consumer interface {
	// OnEvent receives event payloads in sequence order.
	OnEvent(payload jsoniter.RawMessage)

	// OnSevereError is called when the session cannot recover by itself.
	OnSevereError(message string)

	// OnSessionReset is called when the server invalidated the session.
	// Sequence numbers restart after this.
	OnSessionReset()
}

// StateObserver may be implemented by a Consumer to follow state changes.
type StateObserver interface {
	OnStateChange(from SessionState, to SessionState)
}

// Opener acquires gateway URLs. *Client implements it.
type Opener interface {
	OpenGateway(ctx context.Context, request GatewayRequest) (GatewayResult, error)
}

// Conn is a gateway socket. *websocket.Conn implements it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, messageType websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a gateway socket.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to connect to websocket: %w", err)
	}

	conn.SetReadLimit(WebsocketReadLimit)

	return conn, nil
}

// SessionOption customises a Session.
type SessionOption func(s *Session)

// WithClock replaces the clock timers are scheduled on.
func WithClock(clock Clock) SessionOption {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithDialer replaces how sockets are opened.
func WithDialer(dialer Dialer) SessionOption {
	return func(s *Session) {
		s.dial = dialer
	}
}

// Session keeps a gateway connection alive. Every field below loop is owned
// by the loop goroutine started with Run.
type Session struct {
	ctx    context.Context
	cancel func()

	Logger        zerolog.Logger
	Configuration SessionConfiguration

	opener   Opener
	dial     Dialer
	consumer Consumer
	observer StateObserver
	clock    Clock

	writeLimiter *limiter.DurationLimiter

	// Background routines that post back to the loop.
	routines deadlock.DeadSignal

	started *atomic.Bool
	running *atomic.Bool
	done    chan void

	// Async requests whose result has not been handled by the loop yet.
	inflight *atomic.Int32

	status       *atomic.Int32
	sessionID    *atomic.String
	lastSequence *atomic.Int64

	loop chan func()

	state    SessionState
	identity SessionIdentity
	buffer   *SequenceBuffer

	timers map[*stateTimer]void

	gapTimer  Timer
	gapEpoch  uint64
	gapActive bool

	heartbeatTimer      Timer
	heartbeatGeneration uint64
	heartbeatRunning    bool
	pingSentAt          time.Time

	openAttempt uint64
	retryDelay  time.Duration

	conn           *connection
	connGeneration uint64

	// Whether the current socket was opened to resume the held session.
	connResume bool
}

type void struct{}

type stateTimer struct {
	states    []SessionState
	timer     Timer
	cancelled bool
}

func (st *stateTimer) allows(state SessionState) bool {
	for _, s := range st.states {
		if s == state {
			return true
		}
	}

	return false
}

type connection struct {
	generation uint64
	conn       Conn

	ctx    context.Context
	cancel func()

	writes chan outboundFrame
}

type outboundFrame struct {
	kind MessageKind
	data []byte
}

// NewSession creates a Session in the Idle state.
func NewSession(logger zerolog.Logger, configuration SessionConfiguration, opener Opener, consumer Consumer, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ctx:    ctx,
		cancel: cancel,

		Logger:        logger.With().Str("component", "session").Logger(),
		Configuration: configuration.WithDefaults(),

		opener:   opener,
		dial:     DialWebsocket,
		consumer: consumer,
		clock:    systemClock{},

		writeLimiter: limiter.NewDurationLimiter(WebsocketRateLimit, 2*time.Minute),

		routines: deadlock.DeadSignal{},

		started: atomic.NewBool(false),
		running: atomic.NewBool(false),
		done:    make(chan void),

		inflight: atomic.NewInt32(0),

		status:       atomic.NewInt32(int32(SessionStateIdle)),
		sessionID:    atomic.NewString(""),
		lastSequence: atomic.NewInt64(0),

		loop: make(chan func(), LoopBufferSize),

		state:  SessionStateIdle,
		buffer: NewSequenceBuffer(),
		timers: make(map[*stateTimer]void),
	}

	if observer, ok := consumer.(StateObserver); ok {
		s.observer = observer
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// State returns the current state. Safe to call from any goroutine.
func (s *Session) State() SessionState {
	return SessionState(s.status.Load())
}

// Identity returns what the session would resume with.
func (s *Session) Identity() SessionIdentity {
	return SessionIdentity{
		SessionID:    s.sessionID.Load(),
		LastSequence: s.lastSequence.Load(),
	}
}

// Start moves the session out of Idle. The transition happens once Run is
// processing the loop.
func (s *Session) Start() error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	if !s.started.CompareAndSwap(false, true) {
		return ErrSessionAlreadyStarted
	}

	s.post(func() {
		s.Logger.Info().Msg("Starting session")
		s.setState(SessionStateOpeningGateway)
	})

	return nil
}

// Run processes the session loop until ctx is done or Close is called.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSessionAlreadyStarted
	}

	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()

			return ctx.Err()
		case <-s.ctx.Done():
			s.shutdown()

			return nil
		case f := <-s.loop:
			f()
		}
	}
}

// Close stops the session and waits for Run to return.
func (s *Session) Close() {
	s.cancel()

	if s.running.Load() {
		<-s.done
	}
}

func (s *Session) shutdown() {
	s.cancel()

	for st := range s.timers {
		st.cancelled = true
		st.timer.Stop()
	}

	s.timers = make(map[*stateTimer]void)

	if s.gapTimer != nil {
		s.gapTimer.Stop()
	}

	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}

	s.retireConnection(websocket.StatusNormalClosure, "shutting down")

	s.routines.Close("CLOSE")

	s.Logger.Info().Msg("Session closed")
}

// post queues f to run on the loop. It is dropped once the session is closed.
func (s *Session) post(f func()) {
	select {
	case s.loop <- f:
	case <-s.ctx.Done():
	}
}

// goAsync runs f outside of the loop. The function f returns is run on the
// loop afterwards.
func (s *Session) goAsync(f func(ctx context.Context) func()) {
	s.inflight.Inc()
	s.routines.Started()

	go func() {
		defer s.routines.Done()

		then := f(s.ctx)

		s.post(func() {
			defer s.inflight.Dec()

			if then != nil {
				then()
			}
		})
	}()
}

// goRoutine runs a long lived routine tied to the session.
func (s *Session) goRoutine(f func()) {
	s.routines.Started()

	go func() {
		defer s.routines.Done()

		f()
	}()
}

// afterInState runs f after d, but only if the session has stayed within
// states the whole time. Leaving them cancels the timer.
func (s *Session) afterInState(d time.Duration, f func(), states ...SessionState) {
	st := &stateTimer{states: states}
	s.timers[st] = void{}

	st.timer = s.clock.AfterFunc(d, func() {
		s.post(func() {
			if st.cancelled {
				return
			}

			delete(s.timers, st)

			if st.allows(s.state) {
				f()
			}
		})
	})
}

// setStateAfter moves to state after d if nothing else moved the session first.
func (s *Session) setStateAfter(d time.Duration, state SessionState) {
	s.afterInState(d, func() {
		s.setState(state)
	}, s.state)
}

func (s *Session) setState(state SessionState) {
	from := s.state

	if from == state {
		s.Logger.Warn().Str("state", state.String()).Msg("State is already set")

		return
	}

	s.state = state
	s.status.Store(int32(state))

	for st := range s.timers {
		if !st.allows(state) {
			st.cancelled = true
			st.timer.Stop()
			delete(s.timers, st)
		}
	}

	s.Logger.Debug().
		Str("from", from.String()).
		Str("to", state.String()).
		Msg("Switched state")

	sessionStateGauge.Set(float64(state))
	sessionTransitionCount.WithLabelValues(state.String()).Inc()

	if s.observer != nil {
		s.observer.OnStateChange(from, state)
	}

	s.enterState(state)
}

func (s *Session) setIdentity(identity SessionIdentity) {
	s.identity = identity
	s.sessionID.Store(identity.SessionID)
	s.lastSequence.Store(identity.LastSequence)
}

func (s *Session) setLastSequence(sequence int64) {
	if sequence > s.identity.LastSequence {
		s.identity.LastSequence = sequence
		s.lastSequence.Store(sequence)
	}
}

// connect replaces the current socket with one to url.
func (s *Session) connect(url string) {
	s.retireConnection(websocket.StatusNormalClosure, "reconnecting")

	s.connGeneration++
	generation := s.connGeneration

	s.Logger.Info().Str("url", url).Msg("Gateway URL ready")

	s.goAsync(func(ctx context.Context) func() {
		conn, err := s.dial(ctx, url)
		if err == nil && ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")

			return nil
		}

		return func() {
			if err != nil {
				s.Logger.Error().Err(err).Msg("Failed to dial gateway")

				return
			}

			if generation != s.connGeneration || s.ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")

				return
			}

			s.startConnection(generation, conn)
		}
	})
}

func (s *Session) startConnection(generation uint64, conn Conn) {
	ctx, cancel := context.WithCancel(s.ctx)

	c := &connection{
		generation: generation,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		writes:     make(chan outboundFrame, WriteBufferSize),
	}

	s.conn = c

	s.goRoutine(func() { s.readConnection(c) })
	s.goRoutine(func() { s.writeConnection(c) })
}

func (s *Session) retireConnection(code websocket.StatusCode, reason string) {
	c := s.conn
	if c == nil {
		return
	}

	s.conn = nil

	s.goRoutine(func() {
		err := c.conn.Close(code, reason)
		if err != nil {
			s.Logger.Debug().Err(err).Msg("Failed to close gateway socket")
		}

		c.cancel()
	})
}

func (s *Session) readConnection(c *connection) {
	for {
		messageType, data, err := c.conn.Read(c.ctx)
		if err != nil {
			s.post(func() {
				if s.conn == c {
					s.Logger.Warn().Err(err).Msg("Gateway socket closed")
					s.conn = nil
					c.cancel()
				}
			})

			return
		}

		msg, err := DecodeMessage(messageType, data)
		if err != nil {
			s.Logger.Error().Err(err).Msg("Failed to decode gateway message")

			continue
		}

		select {
		case s.loop <- func() { s.handleMessage(c, msg) }:
		case <-c.ctx.Done():
			return
		}
	}
}

func (s *Session) writeConnection(c *connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.writes:
			if frame.kind != MessageKindPing {
				s.writeLimiter.Lock()
			}

			s.Logger.Trace().Msg("<<< " + gotils_strconv.B2S(frame.data))

			ctx, cancel := context.WithTimeout(c.ctx, WebsocketWriteLimit)
			err := c.conn.Write(ctx, websocket.MessageText, frame.data)

			cancel()

			if err != nil && c.ctx.Err() == nil {
				s.Logger.Warn().Err(err).Str("kind", frame.kind.String()).Msg("Failed to write message")
			}
		}
	}
}

// send queues a frame on the current socket.
func (s *Session) send(kind MessageKind, sequence *int64) {
	if s.conn == nil {
		s.Logger.Warn().Str("kind", kind.String()).Err(ErrNoConnection).Msg("Dropped outbound message")

		return
	}

	data, err := EncodeMessage(kind, sequence)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to encode message")

		return
	}

	select {
	case s.conn.writes <- outboundFrame{kind: kind, data: data}:
	default:
		s.Logger.Warn().Str("kind", kind.String()).Msg("Write buffer full, dropped outbound message")
	}
}

func (s *Session) sendWithSequence(kind MessageKind) {
	sequence := s.identity.LastSequence

	s.send(kind, &sequence)
}
