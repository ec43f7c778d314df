package internal

import (
	"context"
	"fmt"
	"time"
)

func (s *Session) enterState(state SessionState) {
	switch state {
	case SessionStateIdle:
	case SessionStateOpeningGateway,
		SessionStateOpeningGateway1stRetry,
		SessionStateOpeningGatewayLastRetry:
		s.openGateway(false)
	case SessionStateOpeningGatewayAfterDisconnect:
		s.retryDelay = s.Configuration.InfiniteRetryDelayInitial.Duration()
		s.scheduleInfiniteRetry()
	case SessionStateWaitingForHandshake:
		s.handleWaitingForHandshake()
	case SessionStateConnected:
		s.handleConnected()
	case SessionStateWaitingForHeartbeatResponse:
		s.handleWaitingForHeartbeatResponse()
	case SessionStateWaitingForHeartbeatResponse1stRetry:
		s.handleWaitingForPong1stRetry()
	case SessionStateWaitingForHeartbeatResponseLastRetry:
		s.handleWaitingForPongLastRetry()
	case SessionStateWaitingForResumeOk:
		s.handleWaitingForResumeOk()
	}
}

// openGateway requests a gateway URL for the current state. Results are
// ignored if the session moved on while the request was in flight.
func (s *Session) openGateway(resume bool) {
	s.openAttempt++
	attempt := s.openAttempt
	state := s.state

	request := GatewayRequest{
		Compress: s.Configuration.Compress,
	}

	if resume {
		request.Resume = true
		request.Sequence = s.identity.LastSequence
		request.SessionID = s.identity.SessionID
	}

	s.Logger.Debug().
		Str("state", state.String()).
		Bool("resume", resume).
		Msg("Requesting gateway")

	s.goAsync(func(ctx context.Context) func() {
		result, err := s.opener.OpenGateway(ctx, request)

		return func() {
			if attempt != s.openAttempt || state != s.state {
				s.Logger.Debug().Msg("Discarded stale gateway result")

				return
			}

			if err != nil {
				s.handleOpenGatewayFailure(err)

				return
			}

			s.connResume = request.Resume
			s.connect(result.URL)
			s.setState(SessionStateWaitingForHandshake)
		}
	})
}

func (s *Session) handleOpenGatewayFailure(err error) {
	s.Logger.Warn().Err(err).Str("state", s.state.String()).Msg("Failed to open gateway")

	if IsFatal(err) {
		s.consumer.OnSevereError(fmt.Sprintf("Gateway acquisition failed: %v", err))

		return
	}

	switch s.state {
	case SessionStateOpeningGateway:
		s.setStateAfter(s.Configuration.FirstOpenGatewayRetryDelay.Duration(), SessionStateOpeningGateway1stRetry)
	case SessionStateOpeningGateway1stRetry:
		s.setStateAfter(s.Configuration.FinalOpenGatewayRetryDelay.Duration(), SessionStateOpeningGatewayLastRetry)
	case SessionStateOpeningGatewayLastRetry:
		s.consumer.OnSevereError(fmt.Sprintf("Unable to connect to the gateway: %v", err))
	case SessionStateOpeningGatewayAfterDisconnect:
		s.retryDelay *= 2
		if maximum := s.Configuration.InfiniteRetryDelayMaximum.Duration(); s.retryDelay > maximum {
			s.retryDelay = maximum
		}

		s.scheduleInfiniteRetry()
	}
}

func (s *Session) scheduleInfiniteRetry() {
	s.Logger.Info().Dur("delay", s.retryDelay).Msg("Reconnecting to gateway")

	s.afterInState(s.retryDelay, func() {
		s.openGateway(true)
	}, SessionStateOpeningGatewayAfterDisconnect)
}

func (s *Session) handleWaitingForHandshake() {
	s.afterInState(s.Configuration.HandshakeTimeout.Duration(), func() {
		s.Logger.Warn().Msg("Timed out waiting for handshake")
		s.setStateAfter(s.Configuration.OpenGatewayDelay.Duration(), SessionStateOpeningGateway)
	}, SessionStateWaitingForHandshake)
}

func (s *Session) handleConnected() {
	if s.heartbeatRunning {
		return
	}

	s.heartbeatRunning = true
	s.heartbeatGeneration++
	s.scheduleHeartbeat(s.heartbeatGeneration)

	s.heartbeat()
}

func (s *Session) scheduleHeartbeat(generation uint64) {
	s.heartbeatTimer = s.clock.AfterFunc(s.Configuration.HeartbeatInterval.Duration(), func() {
		s.post(func() {
			if generation != s.heartbeatGeneration || !s.heartbeatRunning {
				return
			}

			if s.state != SessionStateConnected {
				s.heartbeatRunning = false

				return
			}

			s.scheduleHeartbeat(generation)
			s.heartbeat()
		})
	})
}

func (s *Session) heartbeat() {
	s.setState(SessionStateWaitingForHeartbeatResponse)
	s.sendPing()
}

func (s *Session) sendPing() {
	s.pingSentAt = s.clock.Now()
	s.sendWithSequence(MessageKindPing)
}

func (s *Session) sendResume() {
	s.Logger.Info().Int64("sequence", s.identity.LastSequence).Msg("Requesting resume")
	s.sendWithSequence(MessageKindResume)
}

func (s *Session) handleWaitingForHeartbeatResponse() {
	s.afterInState(s.Configuration.HeartbeatTimeout.Duration(), func() {
		s.Logger.Warn().Msg("Timed out waiting for pong")
		s.setStateAfter(s.Configuration.FirstHeartbeatRetryDelay.Duration(), SessionStateWaitingForHeartbeatResponse1stRetry)
	}, SessionStateWaitingForHeartbeatResponse)
}

func (s *Session) handleWaitingForPong1stRetry() {
	first := s.Configuration.FirstRepingDelay.Duration()
	final := s.Configuration.FinalRepingDelay.Duration()

	s.afterInState(first, s.sendPing, SessionStateWaitingForHeartbeatResponse1stRetry)
	s.afterInState(final, s.sendPing, SessionStateWaitingForHeartbeatResponse1stRetry)

	s.afterInState(first+final+s.Configuration.PongTimeout.Duration(), func() {
		s.setState(SessionStateWaitingForHeartbeatResponseLastRetry)
	}, SessionStateWaitingForHeartbeatResponse1stRetry)
}

func (s *Session) handleWaitingForPongLastRetry() {
	s.afterInState(s.Configuration.FirstResumeRequestDelay.Duration(), s.sendResume,
		SessionStateWaitingForHeartbeatResponseLastRetry, SessionStateWaitingForResumeOk)
	s.afterInState(s.Configuration.SecondResumeRequestDelay.Duration(), s.sendResume,
		SessionStateWaitingForHeartbeatResponseLastRetry, SessionStateWaitingForResumeOk)

	s.setStateAfter(s.Configuration.FirstResumeRequestDelay.Duration(), SessionStateWaitingForResumeOk)
}

func (s *Session) handleWaitingForResumeOk() {
	s.afterInState(s.Configuration.ResumeOkTimeout.Duration(), func() {
		s.Logger.Warn().Msg("Timed out waiting for resume ack")
		s.setState(SessionStateOpeningGatewayAfterDisconnect)
	}, SessionStateWaitingForResumeOk)
}

// observePong records the round trip of the last ping.
func (s *Session) observePong() {
	if s.pingSentAt.IsZero() {
		return
	}

	latency := s.clock.Now().Sub(s.pingSentAt)
	gatewayLatency.Set(latency.Seconds())

	s.Logger.Debug().Dur("latency", latency.Round(time.Millisecond)).Msg("Received pong")
}
