package internal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

var errGatewayUnavailable = xerrors.New("gateway unavailable")

func TestSessionStartRequestsGateway(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, SessionStateIdle, h.session.State())

	require.NoError(t, h.session.Start())
	assert.True(t, xerrors.Is(h.session.Start(), ErrSessionAlreadyStarted))

	request := h.answerGateway(GatewayResult{URL: "wss://gateway.test/1"}, nil)

	assert.True(t, request.Compress)
	assert.False(t, request.Resume)

	conn := h.nextConn()
	assert.Equal(t, "wss://gateway.test/1", conn.url)

	h.waitForState(SessionStateWaitingForHandshake)
}

func TestSessionStartAfterClose(t *testing.T) {
	h := newHarness(t)

	h.session.Close()

	assert.True(t, xerrors.Is(h.session.Start(), ErrSessionClosed))
}

func TestSessionHandshake(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	assert.Equal(t, SessionIdentity{SessionID: "abc"}, h.session.Identity())
	assert.False(t, conn.isClosed())

	assert.Equal(t, [][2]SessionState{
		{SessionStateIdle, SessionStateOpeningGateway},
		{SessionStateOpeningGateway, SessionStateWaitingForHandshake},
		{SessionStateWaitingForHandshake, SessionStateConnected},
		{SessionStateConnected, SessionStateWaitingForHeartbeatResponse},
		{SessionStateWaitingForHeartbeatResponse, SessionStateConnected},
	}, h.consumer.Transitions())
}

func TestSessionRejectedHandshakeTimesOut(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.session.Start())
	h.answerGateway(GatewayResult{URL: "wss://gateway.test/1"}, nil)

	conn := h.nextConn()
	h.waitForState(SessionStateWaitingForHandshake)

	conn.push(t, MessageKindHandshakeResult, `{"code":40103}`, nil)
	h.sync()

	h.advance(5999 * time.Millisecond)
	assert.Equal(t, SessionStateWaitingForHandshake, h.session.State())

	h.advance(time.Millisecond)
	assert.Equal(t, SessionStateWaitingForHandshake, h.session.State())

	h.advance(2 * time.Second)
	assert.Equal(t, SessionStateOpeningGateway, h.session.State())

	request := h.answerGateway(GatewayResult{URL: "wss://gateway.test/2"}, nil)
	assert.False(t, request.Resume)

	assert.Equal(t, "wss://gateway.test/2", h.nextConn().url)
	assert.Eventually(t, conn.isClosed, waitTimeout, time.Millisecond)
}

func TestSessionHandshakeTimerDoesNotOutliveState(t *testing.T) {
	h := newHarness(t)

	h.connect()

	h.advance(6 * time.Second)
	h.advance(2 * time.Second)

	assert.Equal(t, SessionStateConnected, h.session.State())
	h.expectNoGatewayRequest()
}

func TestSessionOpenGatewayRetries(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.session.Start())

	h.answerGateway(GatewayResult{}, errGatewayUnavailable)
	h.settle()
	assert.Equal(t, SessionStateOpeningGateway, h.session.State())

	h.advance(1999 * time.Millisecond)
	assert.Equal(t, SessionStateOpeningGateway, h.session.State())

	h.advance(time.Millisecond)
	assert.Equal(t, SessionStateOpeningGateway1stRetry, h.session.State())

	h.answerGateway(GatewayResult{}, errGatewayUnavailable)
	h.settle()

	h.advance(4 * time.Second)
	assert.Equal(t, SessionStateOpeningGatewayLastRetry, h.session.State())

	h.answerGateway(GatewayResult{}, errGatewayUnavailable)

	require.Eventually(t, func() bool {
		return len(h.consumer.Severe()) == 1
	}, waitTimeout, time.Millisecond)

	assert.Equal(t, SessionStateOpeningGatewayLastRetry, h.session.State())

	h.advance(time.Minute)
	h.expectNoGatewayRequest()
}

func TestSessionOpenGatewayRecoversOnRetry(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.session.Start())

	h.answerGateway(GatewayResult{}, errGatewayUnavailable)
	h.settle()

	h.advance(2 * time.Second)
	h.answerGateway(GatewayResult{URL: "wss://gateway.test/1"}, nil)

	h.nextConn()
	h.waitForState(SessionStateWaitingForHandshake)
	assert.Empty(t, h.consumer.Severe())
}

func TestSessionFatalGatewayErrorEscalates(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.session.Start())

	h.answerGateway(GatewayResult{}, &FatalError{Err: ErrBucketMismatch})

	require.Eventually(t, func() bool {
		return len(h.consumer.Severe()) == 1
	}, waitTimeout, time.Millisecond)

	assert.Contains(t, h.consumer.Severe()[0], ErrBucketMismatch.Error())

	h.advance(time.Minute)
	h.expectNoGatewayRequest()
}

func TestSessionHeartbeat(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	h.advance(29 * time.Second)
	conn.expectNoWrite(t)

	h.advance(time.Second)
	assert.Equal(t, SessionStateWaitingForHeartbeatResponse, h.session.State())

	ping := conn.expectWrite(t)
	assert.Equal(t, MessageKindPing, ping.Kind)
	require.NotNil(t, ping.Sequence)
	assert.Equal(t, int64(0), *ping.Sequence)

	conn.push(t, MessageKindPong, `{}`, nil)
	h.waitForState(SessionStateConnected)

	h.advance(30 * time.Second)
	assert.Equal(t, SessionStateWaitingForHeartbeatResponse, h.session.State())
	assert.Equal(t, MessageKindPing, conn.expectWrite(t).Kind)
}

func TestSessionHeartbeatLadder(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	conn.pushEvent(t, 1, `{"msg_id":"1"}`)
	h.waitForEvents(1)

	// t=30 ping
	h.advance(30 * time.Second)
	assert.Equal(t, MessageKindPing, conn.expectWrite(t).Kind)

	// t=36 heartbeat timeout, t=38 first retry
	h.advance(6 * time.Second)
	assert.Equal(t, SessionStateWaitingForHeartbeatResponse, h.session.State())

	h.advance(2 * time.Second)
	assert.Equal(t, SessionStateWaitingForHeartbeatResponse1stRetry, h.session.State())

	// t=40 and t=42 re-pings
	h.advance(2 * time.Second)
	assert.Equal(t, MessageKindPing, conn.expectWrite(t).Kind)

	h.advance(2 * time.Second)
	ping := conn.expectWrite(t)
	assert.Equal(t, MessageKindPing, ping.Kind)
	assert.Equal(t, int64(1), *ping.Sequence)

	// t=50 last retry
	h.advance(8 * time.Second)
	assert.Equal(t, SessionStateWaitingForHeartbeatResponseLastRetry, h.session.State())

	// t=58 first resume request
	h.advance(8 * time.Second)
	assert.Equal(t, SessionStateWaitingForResumeOk, h.session.State())

	resume := conn.expectWrite(t)
	assert.Equal(t, MessageKindResume, resume.Kind)
	assert.Equal(t, int64(1), *resume.Sequence)

	// t=64 resume ack timeout
	h.advance(6 * time.Second)
	assert.Equal(t, SessionStateOpeningGatewayAfterDisconnect, h.session.State())

	// t=65 first resume-capable attempt
	h.advance(time.Second)

	request := h.answerGateway(GatewayResult{}, errGatewayUnavailable)
	assert.Equal(t, GatewayRequest{Compress: true, Resume: true, Sequence: 1, SessionID: "abc"}, request)
	h.settle()

	h.advance(1999 * time.Millisecond)
	h.expectNoGatewayRequest()

	h.advance(time.Millisecond)
	h.answerGateway(GatewayResult{URL: "wss://gateway.test/2"}, nil)

	next := h.nextConn()
	h.waitForState(SessionStateWaitingForHandshake)

	assert.Eventually(t, conn.isClosed, waitTimeout, time.Millisecond)
	assert.Empty(t, h.consumer.Severe())
	assert.Equal(t, 0, h.consumer.Resets())

	// The heartbeat loop stopped while disconnected, so it restarts with a ping.
	next.push(t, MessageKindHandshakeResult, `{"code":0,"session_id":"abc"}`, nil)
	h.waitForState(SessionStateWaitingForHeartbeatResponse)
	assert.Equal(t, MessageKindPing, next.expectWrite(t).Kind)

	assert.Equal(t, SessionIdentity{SessionID: "abc", LastSequence: 1}, h.session.Identity())
}

func TestSessionFreshHandshakeRestartsSequence(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	for sequence := int64(1); sequence <= 5; sequence++ {
		conn.pushEvent(t, sequence, fmt.Sprintf(`{"msg_id":"old%d"}`, sequence))
	}

	h.waitForEvents(5)

	// Heartbeat ladder down to AfterDisconnect at t=64.
	h.advance(30 * time.Second)
	h.advance(6 * time.Second)
	h.advance(2 * time.Second)
	h.advance(2 * time.Second)
	h.advance(2 * time.Second)
	h.advance(8 * time.Second)
	h.advance(8 * time.Second)
	h.advance(6 * time.Second)
	require.Equal(t, SessionStateOpeningGatewayAfterDisconnect, h.session.State())

	h.advance(time.Second)

	request := h.answerGateway(GatewayResult{URL: "wss://gateway.test/2"}, nil)
	assert.Equal(t, GatewayRequest{Compress: true, Resume: true, Sequence: 5, SessionID: "abc"}, request)

	h.nextConn()
	h.waitForState(SessionStateWaitingForHandshake)

	// The resumed socket never completes its handshake.
	h.advance(6 * time.Second)
	h.advance(2 * time.Second)
	require.Equal(t, SessionStateOpeningGateway, h.session.State())

	request = h.answerGateway(GatewayResult{URL: "wss://gateway.test/3"}, nil)
	assert.False(t, request.Resume)

	next := h.nextConn()
	h.waitForState(SessionStateWaitingForHandshake)

	next.push(t, MessageKindHandshakeResult, `{"code":0,"session_id":"xyz"}`, nil)
	h.waitForState(SessionStateWaitingForHeartbeatResponse)

	ping := next.expectWrite(t)
	require.Equal(t, MessageKindPing, ping.Kind)
	require.NotNil(t, ping.Sequence)
	assert.Equal(t, int64(0), *ping.Sequence)
	assert.Equal(t, SessionIdentity{SessionID: "xyz", LastSequence: 0}, h.session.Identity())

	next.push(t, MessageKindPong, `{}`, nil)
	h.waitForState(SessionStateConnected)

	next.pushEvent(t, 1, `{"msg_id":"new1"}`)
	next.pushEvent(t, 3, `{"msg_id":"new3"}`)
	h.waitForEvents(6)

	require.Eventually(t, func() bool { return h.buffered() == 1 }, waitTimeout, time.Millisecond)
	assert.Equal(t, `{"msg_id":"new1"}`, h.consumer.Events()[5])
	assert.Len(t, h.consumer.Events(), 6)
	assert.Equal(t, SessionIdentity{SessionID: "xyz", LastSequence: 1}, h.session.Identity())

	next.pushEvent(t, 2, `{"msg_id":"new2"}`)

	assert.Equal(t, []string{`{"msg_id":"new2"}`, `{"msg_id":"new3"}`}, h.waitForEvents(8)[6:])
}

func TestSessionPongDuringFirstRetry(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	h.advance(30 * time.Second)
	conn.expectWrite(t)

	h.advance(6 * time.Second)
	h.advance(2 * time.Second)
	require.Equal(t, SessionStateWaitingForHeartbeatResponse1stRetry, h.session.State())

	conn.push(t, MessageKindPong, `{}`, nil)
	h.waitForState(SessionStateConnected)

	// The re-pings and the escalation belonged to the retry state.
	h.advance(12 * time.Second)
	assert.Equal(t, SessionStateConnected, h.session.State())
	conn.expectNoWrite(t)
}

func TestSessionInfiniteRetryBackoffIsCapped(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	h.advance(30 * time.Second)
	conn.expectWrite(t)

	h.advance(6 * time.Second)
	h.advance(2 * time.Second)
	h.advance(12 * time.Second)
	h.advance(8 * time.Second)
	h.advance(6 * time.Second)
	require.Equal(t, SessionStateOpeningGatewayAfterDisconnect, h.session.State())

	delays := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second,
	}

	for _, delay := range delays {
		h.advance(delay - time.Millisecond)
		h.expectNoGatewayRequest()

		h.advance(time.Millisecond)
		h.answerGateway(GatewayResult{}, errGatewayUnavailable)
		h.settle()
	}

	assert.Equal(t, SessionStateOpeningGatewayAfterDisconnect, h.session.State())
	assert.Empty(t, h.consumer.Severe())
}

func TestSessionResumeAck(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	h.advance(30 * time.Second)
	conn.expectWrite(t)

	h.advance(6 * time.Second)
	h.advance(2 * time.Second)
	h.advance(12 * time.Second)
	h.advance(8 * time.Second)
	require.Equal(t, SessionStateWaitingForResumeOk, h.session.State())

	conn.push(t, MessageKindResumeAck, `{"session_id":"def"}`, nil)
	h.waitForState(SessionStateConnected)

	assert.Equal(t, "def", h.session.Identity().SessionID)

	// The resume ack timeout is gone, the next heartbeat is the only thing left.
	h.advance(6 * time.Second)
	assert.Equal(t, SessionStateWaitingForHeartbeatResponse, h.session.State())
}

func TestSessionServerPingAndResume(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	conn.pushEvent(t, 1, `{"msg_id":"1"}`)
	h.waitForEvents(1)

	conn.push(t, MessageKindPing, `{}`, nil)

	pong := conn.expectWrite(t)
	assert.Equal(t, MessageKindPong, pong.Kind)
	assert.Nil(t, pong.Sequence)

	conn.push(t, MessageKindResume, `{}`, nil)

	ack := conn.expectWrite(t)
	assert.Equal(t, MessageKindResumeAck, ack.Kind)
	require.NotNil(t, ack.Sequence)
	assert.Equal(t, int64(1), *ack.Sequence)

	assert.Equal(t, SessionStateConnected, h.session.State())
}

func TestSessionReconnect(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	conn.pushEvent(t, 1, `{"msg_id":"1"}`)
	conn.pushEvent(t, 3, `{"msg_id":"3"}`)
	h.waitForEvents(1)

	require.Eventually(t, func() bool { return h.buffered() == 1 }, waitTimeout, time.Millisecond)

	conn.push(t, MessageKindReconnect, `{"code":40108,"err":"invalid sn"}`, nil)
	h.waitForState(SessionStateOpeningGateway)

	assert.Equal(t, 1, h.consumer.Resets())
	assert.Equal(t, SessionIdentity{}, h.session.Identity())
	assert.Equal(t, 0, h.buffered())
	assert.Eventually(t, conn.isClosed, waitTimeout, time.Millisecond)

	request := h.answerGateway(GatewayResult{URL: "wss://gateway.test/2"}, nil)
	assert.False(t, request.Resume)

	next := h.nextConn()
	h.waitForState(SessionStateWaitingForHandshake)

	// The heartbeat loop of the first socket is still armed.
	next.push(t, MessageKindHandshakeResult, `{"code":0,"session_id":"xyz"}`, nil)
	h.waitForState(SessionStateConnected)

	// The cleared gap timer must not release anything.
	h.advance(6 * time.Second)

	next.pushEvent(t, 1, `{"msg_id":"new-1"}`)

	assert.Equal(t, []string{`{"msg_id":"1"}`, `{"msg_id":"new-1"}`}, h.waitForEvents(2))
	assert.Equal(t, SessionIdentity{SessionID: "xyz", LastSequence: 1}, h.session.Identity())
}

func TestSessionResumeAckWithoutSessionIsSevere(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	conn.push(t, MessageKindReconnect, `{}`, nil)
	h.waitForState(SessionStateOpeningGateway)

	h.answerGateway(GatewayResult{URL: "wss://gateway.test/2"}, nil)

	next := h.nextConn()
	h.waitForState(SessionStateWaitingForHandshake)

	next.push(t, MessageKindResumeAck, `{"session_id":"def"}`, nil)

	require.Eventually(t, func() bool {
		return len(h.consumer.Severe()) == 1
	}, waitTimeout, time.Millisecond)

	assert.Equal(t, "", h.session.Identity().SessionID)
}

func TestSessionEventsInOrder(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	conn.pushEvent(t, 1, `{"msg_id":"1"}`)
	conn.pushEvent(t, 3, `{"msg_id":"3"}`)
	conn.pushEvent(t, 4, `{"msg_id":"4"}`)
	h.waitForEvents(1)

	require.Eventually(t, func() bool { return h.buffered() == 2 }, waitTimeout, time.Millisecond)
	assert.Equal(t, int64(1), h.session.Identity().LastSequence)

	conn.pushEvent(t, 2, `{"msg_id":"2"}`)

	assert.Equal(t, []string{
		`{"msg_id":"1"}`, `{"msg_id":"2"}`, `{"msg_id":"3"}`, `{"msg_id":"4"}`,
	}, h.waitForEvents(4))

	h.sync()
	assert.Equal(t, int64(4), h.session.Identity().LastSequence)
	assert.Equal(t, 0, h.buffered())
}

func TestSessionGapTimeoutReleasesBufferedEvents(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	conn.pushEvent(t, 1, `{"msg_id":"1"}`)
	conn.pushEvent(t, 5, `{"msg_id":"5"}`)
	conn.pushEvent(t, 3, `{"msg_id":"3"}`)
	h.waitForEvents(1)

	require.Eventually(t, func() bool { return h.buffered() == 2 }, waitTimeout, time.Millisecond)

	h.advance(5999 * time.Millisecond)
	assert.Len(t, h.consumer.Events(), 1)

	h.advance(time.Millisecond)

	assert.Equal(t, []string{`{"msg_id":"1"}`, `{"msg_id":"3"}`, `{"msg_id":"5"}`}, h.consumer.Events())
	assert.Equal(t, int64(5), h.session.Identity().LastSequence)

	conn.pushEvent(t, 6, `{"msg_id":"6"}`)
	assert.Len(t, h.waitForEvents(4), 4)
}

func TestSessionEventsWithoutSequenceBypassBuffer(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	conn.pushEvent(t, 1, `{"msg_id":"1"}`)
	conn.pushEvent(t, 3, `{"msg_id":"3"}`)
	conn.push(t, MessageKindEvent, `{"msg_id":"unsequenced"}`, nil)

	assert.Equal(t, []string{`{"msg_id":"1"}`, `{"msg_id":"unsequenced"}`}, h.waitForEvents(2))
	assert.Equal(t, int64(1), h.session.Identity().LastSequence)
}

func TestSessionDuplicateEventsAreForwarded(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	conn.pushEvent(t, 1, `{"msg_id":"1"}`)
	conn.pushEvent(t, 2, `{"msg_id":"2"}`)
	conn.pushEvent(t, 1, `{"msg_id":"1"}`)

	assert.Equal(t, []string{`{"msg_id":"1"}`, `{"msg_id":"2"}`, `{"msg_id":"1"}`}, h.waitForEvents(3))

	h.sync()
	assert.Equal(t, int64(2), h.session.Identity().LastSequence)
}

func TestSessionCloseStopsEverything(t *testing.T) {
	h := newHarness(t)

	conn := h.connect()

	h.session.Close()

	assert.True(t, conn.isClosed())

	// Timers firing after close are dropped.
	h.clock.Advance(time.Hour)
}
