package internal

import (
	"strconv"

	"github.com/WelcomerTeam/czlib"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var emptyData = jsoniter.RawMessage("{}")

// MessageKind is the "s" field of a gateway frame.
type MessageKind int8

const (
	MessageKindEvent MessageKind = iota
	MessageKindHandshakeResult
	MessageKindPing
	MessageKindPong
	MessageKindResume
	MessageKindReconnect
	MessageKindResumeAck
)

func (kind MessageKind) String() string {
	switch kind {
	case MessageKindEvent:
		return "Event"
	case MessageKindHandshakeResult:
		return "HandshakeResult"
	case MessageKindPing:
		return "Ping"
	case MessageKindPong:
		return "Pong"
	case MessageKindResume:
		return "Resume"
	case MessageKindReconnect:
		return "Reconnect"
	case MessageKindResumeAck:
		return "ResumeAck"
	default:
		return "MessageKind(" + strconv.Itoa(int(kind)) + ")"
	}
}

// Message is a single gateway frame.
type Message struct {
	Kind MessageKind         `json:"s"`
	Data jsoniter.RawMessage `json:"d"`

	// Only present on events.
	Sequence *int64 `json:"sn,omitempty"`
}

// HandshakeResult is the data of the first frame after the socket opens.
type HandshakeResult struct {
	Code      int    `json:"code"`
	SessionID string `json:"session_id"`
}

// ResumeAck is sent by the server once a resume succeeded.
type ResumeAck struct {
	SessionID string `json:"session_id"`
}

// Reconnect carries the reason the server invalidated the session.
type Reconnect struct {
	Code    int    `json:"code"`
	Message string `json:"err"`
}

// DecodeMessage parses a websocket frame. Binary frames are zlib compressed.
func DecodeMessage(messageType websocket.MessageType, data []byte) (msg Message, err error) {
	if messageType == websocket.MessageBinary {
		data, err = czlib.Decompress(data)
		if err != nil {
			return msg, xerrors.Errorf("failed to decompress frame: %w", err)
		}
	}

	err = json.Unmarshal(data, &msg)
	if err != nil {
		return msg, xerrors.Errorf("failed to unmarshal frame: %w", err)
	}

	if len(msg.Data) == 0 {
		msg.Data = emptyData
	}

	return msg, nil
}

// EncodeMessage builds an outbound frame with empty data.
func EncodeMessage(kind MessageKind, sequence *int64) ([]byte, error) {
	res, err := json.Marshal(Message{
		Kind:     kind,
		Data:     emptyData,
		Sequence: sequence,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal frame: %w", err)
	}

	return res, nil
}

// decodeContent converts the data of msg into out.
func decodeContent(msg Message, out interface{}) error {
	err := json.Unmarshal(msg.Data, out)
	if err != nil {
		return xerrors.Errorf("failed to decode %s: %w", msg.Kind, err)
	}

	return nil
}
