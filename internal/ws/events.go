package ws

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Twilio media-stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

// Event is one inbound Twilio media-stream message.
type Event struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid,omitempty"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// ParseEvent decodes one text frame from the transport.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if ev.Event == "" {
		return Event{}, fmt.Errorf("parse event: missing event type")
	}
	return ev, nil
}

// Handle returns the stream identifier carried by the event, if any.
func (ev Event) Handle() string {
	if ev.StreamSid != "" {
		return ev.StreamSid
	}
	if ev.Start != nil {
		return ev.Start.StreamSid
	}
	return ""
}

// Audio decodes the base64 μ-law payload of a media event.
func (ev Event) Audio() ([]byte, error) {
	if ev.Media == nil {
		return nil, fmt.Errorf("event %s has no media", ev.Event)
	}
	return base64.StdEncoding.DecodeString(ev.Media.Payload)
}

// IdempotencyKey identifies one delivery of an event. The transport's sequence
// number is used when present; otherwise a hash of the raw frame plus the media
// timestamp stands in for it.
func IdempotencyKey(handle string, ev Event, raw []byte) string {
	var b strings.Builder
	b.WriteString(handle)
	b.WriteByte(':')
	b.WriteString(ev.Event)
	b.WriteByte(':')
	if ev.SequenceNumber != "" {
		b.WriteString(ev.SequenceNumber)
		return b.String()
	}
	b.WriteString("h")
	b.WriteString(strconv.FormatUint(xxhash.Sum64(raw), 16))
	if ev.Media != nil && ev.Media.Timestamp != "" {
		b.WriteByte('@')
		b.WriteString(ev.Media.Timestamp)
	}
	return b.String()
}

type outbound struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

// MediaMessage encodes one outbound μ-law frame for the stream.
func MediaMessage(streamSid string, frame []byte) ([]byte, error) {
	return json.Marshal(outbound{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// MarkMessage encodes a named mark; the transport echoes it back once playback reaches it.
func MarkMessage(streamSid, name string) ([]byte, error) {
	return json.Marshal(outbound{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      &MarkPayload{Name: name},
	})
}
