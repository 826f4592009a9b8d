package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Timestamp is a point in time as sent by the service. It decodes Unix
// seconds (fractional), Unix milliseconds, RFC 3339 strings, and zone-less
// ISO 8601 strings (interpreted as UTC). It encodes as Unix milliseconds.
type Timestamp struct {
	time.Time
}

// msThreshold separates second from millisecond epochs: 1e11 seconds is the
// year 5138, 1e11 milliseconds is 1973.
const msThreshold = 1e11

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON implements [json.Unmarshaler].
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		for _, layout := range isoLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("protocol: unrecognised timestamp %q", s)
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("protocol: unrecognised timestamp %s", b)
	}
	if f >= msThreshold {
		t.Time = time.UnixMilli(int64(f))
		return nil
	}
	sec, frac := math.Modf(f)
	t.Time = time.Unix(int64(sec), int64(frac*1e9))
	return nil
}

// MarshalJSON implements [json.Marshaler].
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, t.UnixMilli(), 10), nil
}

// AudioChunk carries one inbound PCM16 chunk, base64-encoded.
type AudioChunk struct {
	Audio     string    `json:"audio"`
	Timestamp Timestamp `json:"timestamp"`
}

// PCM decodes the base64 payload.
func (a AudioChunk) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Audio)
}

// Transcript is a (partial or complete) speech transcript.
type Transcript struct {
	Text       string    `json:"text"`
	IsUser     bool      `json:"is_user"`
	IsComplete bool      `json:"is_complete"`
	Timestamp  Timestamp `json:"timestamp"`
}

// UnmarshalJSON implements [json.Unmarshaler].
func (t *Transcript) UnmarshalJSON(b []byte) error {
	var raw struct {
		Text            string    `json:"text"`
		IsUser          *bool     `json:"isUser"`
		IsUserSnake     *bool     `json:"is_user"`
		IsComplete      *bool     `json:"isComplete"`
		IsCompleteSnake *bool     `json:"is_complete"`
		Timestamp       Timestamp `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = Transcript{
		Text:       raw.Text,
		IsUser:     first(raw.IsUserSnake, raw.IsUser),
		IsComplete: first(raw.IsCompleteSnake, raw.IsComplete),
		Timestamp:  raw.Timestamp,
	}
	return nil
}

// SpeechStarted reports that the user or the assistant started speaking.
type SpeechStarted struct {
	IsUser    bool      `json:"is_user"`
	Timestamp Timestamp `json:"timestamp"`
}

// UnmarshalJSON implements [json.Unmarshaler].
func (s *SpeechStarted) UnmarshalJSON(b []byte) error {
	isUser, ts, err := decodeSpeech(b)
	*s = SpeechStarted{IsUser: isUser, Timestamp: ts}
	return err
}

// SpeechEnded reports that the user or the assistant stopped speaking.
type SpeechEnded struct {
	IsUser    bool      `json:"is_user"`
	Timestamp Timestamp `json:"timestamp"`
}

// UnmarshalJSON implements [json.Unmarshaler].
func (s *SpeechEnded) UnmarshalJSON(b []byte) error {
	isUser, ts, err := decodeSpeech(b)
	*s = SpeechEnded{IsUser: isUser, Timestamp: ts}
	return err
}

func decodeSpeech(b []byte) (bool, Timestamp, error) {
	var raw struct {
		IsUser      *bool     `json:"isUser"`
		IsUserSnake *bool     `json:"is_user"`
		Timestamp   Timestamp `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return false, Timestamp{}, err
	}
	return first(raw.IsUserSnake, raw.IsUser), raw.Timestamp, nil
}

// ChatMessage is one entry of the conversation as kept by the service.
type ChatMessage struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"` // "user" or "ai"
	Content       string    `json:"content"`
	Timestamp     Timestamp `json:"timestamp"`
	IsAgentResult bool      `json:"is_agent_result"`
}

// UnmarshalJSON implements [json.Unmarshaler].
func (m *ChatMessage) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID                 string    `json:"id"`
		Type               string    `json:"type"`
		Content            string    `json:"content"`
		Timestamp          Timestamp `json:"timestamp"`
		IsAgentResult      *bool     `json:"isAgentResult"`
		IsAgentResultSnake *bool     `json:"is_agent_result"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = ChatMessage{
		ID:            raw.ID,
		Type:          raw.Type,
		Content:       raw.Content,
		Timestamp:     raw.Timestamp,
		IsAgentResult: first(raw.IsAgentResultSnake, raw.IsAgentResult),
	}
	return nil
}

// NewMessage delivers a chat message.
type NewMessage struct {
	Message ChatMessage `json:"message"`
}

// Supervisor is the wire form of the supervising agent's status.
type Supervisor struct {
	IsActive    bool   `json:"is_active"`
	CurrentTask string `json:"current_task,omitempty"`
	Status      string `json:"status"`
}

// UnmarshalJSON implements [json.Unmarshaler]. A null current task decodes
// as the empty string.
func (s *Supervisor) UnmarshalJSON(b []byte) error {
	var raw struct {
		IsActive         *bool   `json:"isActive"`
		IsActiveSnake    *bool   `json:"is_active"`
		CurrentTask      *string `json:"currentTask"`
		CurrentTaskSnake *string `json:"current_task"`
		Status           string  `json:"status"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = Supervisor{
		IsActive:    first(raw.IsActiveSnake, raw.IsActive),
		CurrentTask: first(raw.CurrentTaskSnake, raw.CurrentTask),
		Status:      raw.Status,
	}
	return nil
}

// SubAgent is the wire form of one delegated sub-task.
type SubAgent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Icon   string `json:"icon"`
}

// AgentUpdate replaces the client's view of agent activity.
type AgentUpdate struct {
	AgentInLoop Supervisor `json:"agent_in_loop"`
	SubAgents   []SubAgent `json:"sub_agents"`
}

// UnmarshalJSON implements [json.Unmarshaler].
func (u *AgentUpdate) UnmarshalJSON(b []byte) error {
	var raw struct {
		AgentInLoop      *Supervisor `json:"agentInLoop"`
		AgentInLoopSnake *Supervisor `json:"agent_in_loop"`
		SubAgents        *[]SubAgent `json:"subAgents"`
		SubAgentsSnake   *[]SubAgent `json:"sub_agents"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*u = AgentUpdate{
		AgentInLoop: first(raw.AgentInLoopSnake, raw.AgentInLoop),
		SubAgents:   first(raw.SubAgentsSnake, raw.SubAgents),
	}
	return nil
}

// Error is a service-side error report.
type Error struct {
	Message string `json:"message"`
}

// Warning is a non-fatal service notice.
type Warning struct {
	Message string `json:"message"`
}

// Keepalive is sent periodically by the service to hold the connection open.
type Keepalive struct{}

// TextEvent carries the text payload of the realtime channel's transcript
// and agent-result kinds. Type holds the concrete kind.
type TextEvent struct {
	Type    Kind   `json:"-"`
	Content string `json:"content"`
}

// IsUser reports whether the text was spoken by the user.
func (t TextEvent) IsUser() bool {
	return t.Type == KindUserTranscriptDelta || t.Type == KindUserMessageComplete
}

// IsComplete reports whether the text is a finished utterance rather than a
// delta.
func (t TextEvent) IsComplete() bool {
	return t.Type == KindAIResponseComplete || t.Type == KindUserMessageComplete
}

// Unknown is a server message of a kind this package does not model.
type Unknown struct {
	Type Kind
	Raw  json.RawMessage
}

func (m AudioChunk) Kind() Kind    { return KindAudioChunk }
func (m Transcript) Kind() Kind    { return KindTranscript }
func (m SpeechStarted) Kind() Kind { return KindSpeechStarted }
func (m SpeechEnded) Kind() Kind   { return KindSpeechEnded }
func (m NewMessage) Kind() Kind    { return KindNewMessage }
func (m AgentUpdate) Kind() Kind   { return KindAgentUpdate }
func (m Error) Kind() Kind         { return KindError }
func (m Warning) Kind() Kind       { return KindWarning }
func (m Keepalive) Kind() Kind     { return KindKeepalive }
func (m TextEvent) Kind() Kind     { return m.Type }
func (m Unknown) Kind() Kind       { return m.Type }

func (AudioChunk) serverMessage()    {}
func (Transcript) serverMessage()    {}
func (SpeechStarted) serverMessage() {}
func (SpeechEnded) serverMessage()   {}
func (NewMessage) serverMessage()    {}
func (AgentUpdate) serverMessage()   {}
func (Error) serverMessage()         {}
func (Warning) serverMessage()       {}
func (Keepalive) serverMessage()     {}
func (TextEvent) serverMessage()     {}
func (Unknown) serverMessage()       {}
