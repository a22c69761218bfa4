package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Meta keys as they appear on the wire.
const (
	metaRequestID          = "request_id"
	metaRetryAttempt       = "retryAttempt"
	metaRetryReason        = "retryReason"
	metaRetryReturnToQueue = "retryReturnToQueue"
)

// Meta carries delivery bookkeeping alongside the payload
type Meta struct {
	RequestID          string
	RetryAttempt       int
	RetryReason        string
	RetryReturnToQueue string
	// Extra holds any other meta keys so they survive a round trip.
	Extra map[string]any
}

// MarshalJSON implements json.Marshaler
func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	out[metaRequestID] = m.RequestID
	out[metaRetryAttempt] = m.RetryAttempt
	if m.RetryReason != "" {
		out[metaRetryReason] = m.RetryReason
	}
	if m.RetryReturnToQueue != "" {
		out[metaRetryReturnToQueue] = m.RetryReturnToQueue
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Meta) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*m = Meta{}
	for key, value := range raw {
		switch key {
		case metaRequestID:
			if err := decodeOptionalString(value, &m.RequestID); err != nil {
				return fmt.Errorf("meta.%s: %w", key, err)
			}
		case metaRetryReason:
			if err := decodeOptionalString(value, &m.RetryReason); err != nil {
				return fmt.Errorf("meta.%s: %w", key, err)
			}
		case metaRetryReturnToQueue:
			if err := decodeOptionalString(value, &m.RetryReturnToQueue); err != nil {
				return fmt.Errorf("meta.%s: %w", key, err)
			}
		case metaRetryAttempt:
			if isNull(value) {
				continue
			}
			var attempt int
			if err := json.Unmarshal(value, &attempt); err != nil {
				return fmt.Errorf("meta.%s: %w", key, err)
			}
			if attempt < 0 {
				return fmt.Errorf("meta.%s: must not be negative, got %d", key, attempt)
			}
			m.RetryAttempt = attempt
		default:
			v, err := decodeValue(value)
			if err != nil {
				return fmt.Errorf("meta.%s: %w", key, err)
			}
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[key] = v
		}
	}
	return nil
}

// Message is the envelope published to and consumed from queues
type Message struct {
	Data any
	Meta Meta
	// Type is the declared message type of the queue the message belongs to.
	// A nil Type validates as FreeFormMessageType.
	Type *MessageType
}

// wireMessage is the serialized shape of a Message
type wireMessage struct {
	Data any  `json:"data"`
	Meta Meta `json:"meta"`
}

// NewMessage creates a message with a generated request id when meta has none
func NewMessage(data any, meta Meta) *Message {
	if meta.RequestID == "" {
		meta.RequestID = uuid.New().String()
	}
	return &Message{Data: data, Meta: meta}
}

// RequestID returns the request id of the message
func (m *Message) RequestID() string {
	return m.Meta.RequestID
}

// RetryAttempt returns how many times the message has been scheduled for retry
func (m *Message) RetryAttempt() int {
	return m.Meta.RetryAttempt
}

// IncrementRetryAttempt bumps the retry counter by one and records why.
// It is the only way RetryAttempt changes.
func (m *Message) IncrementRetryAttempt(reason string) {
	m.Meta.RetryAttempt++
	m.Meta.RetryReason = reason
}

// TypeName returns the declared type name, or the free-form name when unset
func (m *Message) TypeName() string {
	return m.messageType().Name()
}

// Validate checks Data against the message type's schema.
// Null values are stripped from objects before validation. In strict mode
// fields not declared by the schema are rejected.
func (m *Message) Validate(strict bool) error {
	return m.messageType().Validate(m, strict)
}

func (m *Message) messageType() *MessageType {
	if m.Type == nil {
		return FreeFormMessageType
	}
	return m.Type
}

// MarshalJSON implements json.Marshaler
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{Data: m.Data, Meta: m.Meta})
}

// ParseMessage decodes a wire payload into a message of type t.
// It fails with *MessageParsingError when the payload is not a JSON object or
// carries neither data nor meta.
func ParseMessage(body []byte, t *MessageType) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, newParsingError(body, err)
	}
	if raw == nil {
		return nil, newParsingError(body, ErrNotAnObject)
	}

	rawData, hasData := raw["data"]
	rawMeta, hasMeta := raw["meta"]
	if !hasData && !hasMeta {
		return nil, newParsingError(body, ErrMissingEnvelope)
	}

	msg := &Message{Type: t}
	if hasData {
		data, err := decodeValue(rawData)
		if err != nil {
			return nil, newParsingError(body, err)
		}
		msg.Data = data
	}
	if hasMeta && !isNull(rawMeta) {
		if err := json.Unmarshal(rawMeta, &msg.Meta); err != nil {
			return nil, newParsingError(body, err)
		}
	}
	if msg.Meta.RequestID == "" {
		msg.Meta.RequestID = uuid.New().String()
	}
	return msg, nil
}

// decodeValue decodes JSON keeping numbers as json.Number
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeOptionalString(raw json.RawMessage, dst *string) error {
	if isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
