// Package protocol defines the JSON messages exchanged with the supervising
// conversation service over its websocket channels.
//
// Every message is a JSON object with a string "type" discriminator. Client
// messages are built with the constructors in this package and serialised
// with [Encode]; server messages are parsed with [Decode], which returns one
// of the concrete types below or [Unknown] for kinds this client does not
// model.
//
// The service has shipped both snake_case ("is_user", "agent_in_loop") and
// camelCase ("isUser", "agentInLoop") field names. Decoding accepts either;
// encoding emits snake_case.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the value of a message's "type" field.
type Kind string

// Client → server kinds.
const (
	KindAudioData   Kind = "audio_data"
	KindUserMessage Kind = "user_message"
	KindGetStatus   Kind = "get_status"
)

// Server → client kinds.
const (
	KindAudioChunk    Kind = "audio_chunk"
	KindTranscript    Kind = "transcript"
	KindSpeechStarted Kind = "speech_started"
	KindSpeechEnded   Kind = "speech_ended"
	KindNewMessage    Kind = "new_message"
	KindAgentUpdate   Kind = "agent_update"
	KindError         Kind = "error"
	KindWarning       Kind = "warning"
	KindKeepalive     Kind = "keepalive"

	// Realtime channel variants.
	KindAITranscriptDelta   Kind = "ai_transcript_delta"
	KindUserTranscriptDelta Kind = "user_transcript_delta"
	KindAIResponseComplete  Kind = "ai_response_complete"
	KindUserMessageComplete Kind = "user_message_complete"
	KindUserSpeakingStarted Kind = "user_speaking_started"
	KindUserSpeakingStopped Kind = "user_speaking_stopped"
	KindAgentResult         Kind = "agent_result"
)

// ErrMalformed is returned by [Decode] for payloads that are not a JSON
// object with a string "type" field, or whose body does not match the kind.
var ErrMalformed = errors.New("protocol: malformed message")

// Message is implemented by every message type.
type Message interface {
	Kind() Kind
}

// ClientMessage is a message the client sends.
type ClientMessage interface {
	Message
	clientMessage()
}

// ServerMessage is a message the service sends.
type ServerMessage interface {
	Message
	serverMessage()
}

// ── Client messages ──────────────────────────────────────────────────────────

// AudioData carries one captured frame.
type AudioData struct {
	// Audio is the base64-encoded frame payload.
	Audio string `json:"audio"`

	// Timestamp is the capture time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// NewAudioData encodes payload as base64 and stamps it with at.
func NewAudioData(payload []byte, at time.Time) AudioData {
	return AudioData{
		Audio:     base64.StdEncoding.EncodeToString(payload),
		Timestamp: at.UnixMilli(),
	}
}

// UserMessage sends typed text on the chat channel.
type UserMessage struct {
	Content string `json:"content"`
}

// GetStatus asks the service to push a fresh agent_update.
type GetStatus struct{}

func (AudioData) Kind() Kind   { return KindAudioData }
func (UserMessage) Kind() Kind { return KindUserMessage }
func (GetStatus) Kind() Kind   { return KindGetStatus }

func (AudioData) clientMessage()   {}
func (UserMessage) clientMessage() {}
func (GetStatus) clientMessage()   {}

// ── Encoding ─────────────────────────────────────────────────────────────────

// Encode serialises m as a JSON object with the "type" field first.
func Encode(m Message) ([]byte, error) {
	if u, ok := m.(Unknown); ok {
		return u.Raw, nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Kind(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: encode %s: body is not an object", m.Kind())
	}
	typ, err := json.Marshal(m.Kind())
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Kind(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// ── Decoding ─────────────────────────────────────────────────────────────────

// Decode parses one server message. Kinds this package does not model are
// returned as [Unknown] without error.
func Decode(data []byte) (ServerMessage, error) {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var (
		msg ServerMessage
		err error
	)
	switch env.Type {
	case KindAudioChunk:
		msg, err = decodeAs[AudioChunk](data)
	case KindTranscript:
		msg, err = decodeAs[Transcript](data)
	case KindSpeechStarted:
		msg, err = decodeAs[SpeechStarted](data)
	case KindSpeechEnded:
		msg, err = decodeAs[SpeechEnded](data)
	case KindUserSpeakingStarted:
		return SpeechStarted{IsUser: true}, nil
	case KindUserSpeakingStopped:
		return SpeechEnded{IsUser: true}, nil
	case KindNewMessage:
		msg, err = decodeAs[NewMessage](data)
	case KindAgentUpdate:
		msg, err = decodeAs[AgentUpdate](data)
	case KindError:
		msg, err = decodeAs[Error](data)
	case KindWarning:
		msg, err = decodeAs[Warning](data)
	case KindKeepalive:
		return Keepalive{}, nil
	case KindAITranscriptDelta, KindUserTranscriptDelta,
		KindAIResponseComplete, KindUserMessageComplete, KindAgentResult:
		var t TextEvent
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		t.Type = env.Type
		return t, nil
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func decodeAs[T ServerMessage](data []byte) (ServerMessage, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// first returns the first non-nil value, or the zero value.
func first[T any](vals ...*T) T {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	var zero T
	return zero
}
