package session

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnvelopeKind discriminates the wire envelope payload.
type EnvelopeKind string

const (
	KindMessage        EnvelopeKind = "message"
	KindProfile        EnvelopeKind = "profile"
	KindProfileRequest EnvelopeKind = "profile_request"
)

// ErrUnknownEnvelope is returned when inbound bytes match neither the
// tagged envelope shape nor the legacy bare chat-message shape.
var ErrUnknownEnvelope = errors.New("unknown envelope shape")

// MessageKind classifies chat message content.
type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageVideo    MessageKind = "video"
	MessageAudio    MessageKind = "audio"
	MessageFile     MessageKind = "file"
	MessageLocation MessageKind = "location"
	MessageContact  MessageKind = "contact"
)

// DeliveryStatus tracks a chat message through the send pipeline.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Attachment is an optional binary payload carried by a chat message.
type Attachment struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// ChatMessage is an application message. The sender creates it with
// StatusSending; the Coordinator advances the status on transmit success or
// retry exhaustion. Received messages keep whatever status the sender
// encoded.
type ChatMessage struct {
	ID         string         `json:"id"`
	From       string         `json:"from"`
	Text       string         `json:"text"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       MessageKind    `json:"kind"`
	Attachment *Attachment    `json:"attachment,omitempty"`
	Status     DeliveryStatus `json:"status"`
	ReplyTo    string         `json:"reply_to,omitempty"`
}

// NewChatMessage builds a text message from the local peer in the sending
// state, with a content-derived unique ID.
func NewChatMessage(from PeerIdentity, text string) ChatMessage {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return ChatMessage{
		ID:        generateMessageID(text, from.ID, now),
		From:      from.ID,
		Text:      text,
		Timestamp: now,
		Kind:      MessageText,
		Status:    StatusSending,
	}
}

// Profile is the lightweight identity payload exchanged on connection.
// Peer-reported and unauthenticated; callers must treat it as a claim.
type Profile struct {
	DisplayName string    `json:"display_name"`
	StatusText  string    `json:"status_text"`
	Avatar      []byte    `json:"avatar,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Envelope is the wire wrapper. Exactly one payload field is set, matching
// Kind; a profile request carries no payload. SentAt is the envelope
// creation time, independent of any payload-internal timestamps.
type Envelope struct {
	Kind    EnvelopeKind `json:"kind"`
	Message *ChatMessage `json:"message,omitempty"`
	Profile *Profile     `json:"profile,omitempty"`
	SentAt  time.Time    `json:"sent_at"`
}

// NewMessageEnvelope wraps a chat message for transmission.
func NewMessageEnvelope(msg ChatMessage) Envelope {
	return Envelope{Kind: KindMessage, Message: &msg, SentAt: now()}
}

// NewProfileEnvelope wraps a profile payload for transmission.
func NewProfileEnvelope(p Profile) Envelope {
	return Envelope{Kind: KindProfile, Profile: &p, SentAt: now()}
}

// NewProfileRequestEnvelope builds a payload-free profile request.
func NewProfileRequestEnvelope() Envelope {
	return Envelope{Kind: KindProfileRequest, SentAt: now()}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (e Envelope) valid() bool {
	switch e.Kind {
	case KindMessage:
		return e.Message != nil && e.Profile == nil
	case KindProfile:
		return e.Profile != nil && e.Message == nil
	case KindProfileRequest:
		return e.Message == nil && e.Profile == nil
	default:
		return false
	}
}

// EncodeEnvelope serializes an envelope for the transport.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if !e.valid() {
		return nil, fmt.Errorf("encode envelope: kind %q does not match payload", e.Kind)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses inbound bytes. It tries the tagged envelope shape
// first, then falls back to a bare legacy ChatMessage (older peers sent
// messages without the wrapper). A legacy message must carry at least an ID
// and a sender to be accepted. Anything else yields ErrUnknownEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err == nil && e.valid() {
		return e, nil
	}

	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err == nil && msg.ID != "" && msg.From != "" {
		return Envelope{Kind: KindMessage, Message: &msg, SentAt: msg.Timestamp}, nil
	}

	return Envelope{}, ErrUnknownEnvelope
}

// generateMessageID derives a stable unique ID from content, sender and time.
func generateMessageID(content, from string, timestamp time.Time) string {
	data := fmt.Sprintf("%s-%s-%d", content, from, timestamp.UnixNano())
	hash := sha256.Sum256([]byte(data))
	return base64.URLEncoding.EncodeToString(hash[:])
}
