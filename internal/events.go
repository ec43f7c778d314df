package internal

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
)

// handleMessage dispatches a frame read from c. Frames from sockets that
// have since been replaced are dropped.
func (s *Session) handleMessage(c *connection, msg Message) {
	if s.conn != c {
		s.Logger.Debug().Str("kind", msg.Kind.String()).Msg("Dropped message from stale socket")

		return
	}

	gatewayMessageCount.WithLabelValues(msg.Kind.String()).Inc()

	s.Logger.Trace().Str("kind", msg.Kind.String()).RawJSON("data", msg.Data).Msg(">>> message")

	var err error

	switch msg.Kind {
	case MessageKindEvent:
		s.handleEvent(msg)
	case MessageKindHandshakeResult:
		err = s.handleHandshakeResult(msg)
	case MessageKindPing:
		s.Logger.Warn().Msg("Received ping from server, replying with pong")
		s.send(MessageKindPong, nil)
	case MessageKindPong:
		s.handlePong()
	case MessageKindResume:
		s.Logger.Warn().Msg("Received resume from server, acknowledging")
		s.sendWithSequence(MessageKindResumeAck)
	case MessageKindReconnect:
		err = s.handleReconnect(msg)
	case MessageKindResumeAck:
		err = s.handleResumeAck(msg)
	default:
		err = xerrors.Errorf("%s: %w", msg.Kind, ErrUnknownMessageKind)
	}

	if err != nil {
		s.Logger.Error().Err(err).Str("kind", msg.Kind.String()).Msg("Failed to handle message")
	}
}

func (s *Session) handleHandshakeResult(msg Message) error {
	var handshake HandshakeResult

	err := decodeContent(msg, &handshake)
	if err != nil {
		return err
	}

	if handshake.Code != 0 {
		s.Logger.Warn().Int("code", handshake.Code).Msg("Server rejected handshake")

		return nil
	}

	s.Logger.Info().Str("session_id", handshake.SessionID).Bool("resumed", s.connResume).Msg("Server handshake success")

	identity := s.identity
	identity.SessionID = handshake.SessionID

	// A new session numbers its events from 1 again.
	if !s.connResume {
		if identity.LastSequence != 0 || !s.buffer.IsEmpty() {
			s.Logger.Info().
				Int64("last", identity.LastSequence).
				Int("buffered", s.buffer.Len()).
				Msg("Discarding sequence state of previous session")
		}

		identity.LastSequence = 0
		s.resetBuffer()
	}

	s.setIdentity(identity)

	if s.state == SessionStateWaitingForHandshake {
		s.setState(SessionStateConnected)
	}

	return nil
}

func (s *Session) handlePong() {
	s.observePong()

	if s.state == SessionStateWaitingForHeartbeatResponse ||
		s.state == SessionStateWaitingForHeartbeatResponse1stRetry {
		s.setState(SessionStateConnected)
	}
}

func (s *Session) handleResumeAck(msg Message) error {
	var ack ResumeAck

	err := decodeContent(msg, &ack)
	if err != nil {
		return err
	}

	if s.identity.SessionID == "" {
		s.consumer.OnSevereError(fmt.Sprintf("Received resume ack for %q while holding no session", ack.SessionID))

		return nil
	}

	s.Logger.Info().Str("session_id", ack.SessionID).Msg("Server acknowledged resume")

	s.identity.SessionID = ack.SessionID
	s.sessionID.Store(ack.SessionID)

	if s.state == SessionStateWaitingForResumeOk {
		s.setState(SessionStateConnected)
	}

	return nil
}

// handleReconnect drops everything tied to the old session and starts over.
func (s *Session) handleReconnect(msg Message) error {
	var reconnect Reconnect

	err := decodeContent(msg, &reconnect)
	if err != nil {
		s.Logger.Debug().Err(err).Msg("Reconnect message had no readable reason")
	}

	s.Logger.Warn().
		Int("code", reconnect.Code).
		Str("reason", reconnect.Message).
		Msg("Server requested reconnect, session reset")

	s.setIdentity(SessionIdentity{})
	s.resetBuffer()
	s.retireConnection(websocket.StatusNormalClosure, "reconnect requested")

	s.setState(SessionStateOpeningGateway)
	s.consumer.OnSessionReset()

	return nil
}

// handleEvent releases events to the consumer in sequence order.
func (s *Session) handleEvent(msg Message) {
	if msg.Sequence == nil {
		s.apply(msg.Data)

		return
	}

	sequence := *msg.Sequence
	last := s.identity.LastSequence

	if sequence-last > 1 {
		s.Logger.Warn().
			Int64("last", last).
			Int64("sequence", sequence).
			Msg("Jumped sequence number detected")

		s.buffer.Enqueue(SequencedEvent{Sequence: sequence, Payload: msg.Data})
		sequenceGapCount.Inc()
		sequenceBufferedCount.Set(float64(s.buffer.Len()))

		s.startGapTimer()

		return
	}

	s.apply(msg.Data)
	s.setLastSequence(sequence)

	if !s.buffer.IsEmpty() && s.buffer.IsStrictlyAscendingWith(s.identity.LastSequence) {
		s.Logger.Info().Int("buffered", s.buffer.Len()).Msg("Sequence gap resolved")
		s.drainBuffer()
	}
}

func (s *Session) startGapTimer() {
	if s.gapActive {
		return
	}

	s.gapActive = true
	epoch := s.gapEpoch

	s.gapTimer = s.clock.AfterFunc(s.Configuration.GapTimeout.Duration(), func() {
		s.post(func() {
			if epoch != s.gapEpoch {
				return
			}

			s.gapActive = false

			if !s.buffer.IsEmpty() {
				s.Logger.Warn().Int("buffered", s.buffer.Len()).Msg("Sequence gap timed out, releasing buffered events")
				sequenceForcedDrainCount.Inc()
				s.drainBuffer()
			}
		})
	})
}

func (s *Session) drainBuffer() {
	events, maximum := s.buffer.DrainInOrder()

	for _, event := range events {
		s.apply(event.Payload)
	}

	s.setLastSequence(maximum)
	s.stopGapTimer()

	sequenceBufferedCount.Set(0)
}

func (s *Session) stopGapTimer() {
	s.gapEpoch++
	s.gapActive = false

	if s.gapTimer != nil {
		s.gapTimer.Stop()
		s.gapTimer = nil
	}
}

func (s *Session) resetBuffer() {
	s.buffer.Clear()
	s.stopGapTimer()

	sequenceBufferedCount.Set(0)
}

func (s *Session) apply(payload jsoniter.RawMessage) {
	gatewayEventsApplied.Inc()
	s.consumer.OnEvent(payload)
}
