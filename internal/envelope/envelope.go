// Package envelope defines the wire format shared by every queue and topic:
// a single JSON envelope carrying identity, correlation and routing headers
// around an opaque payload.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the envelope kind.
type MessageType string

const (
	// TypeCommandRequested is a command on its way to a handler.
	TypeCommandRequested MessageType = "CommandRequested"
	// TypeCommandCompleted is a successful reply carrying a result object.
	TypeCommandCompleted MessageType = "CommandCompleted"
	// TypeCommandFailed is a failure reply carrying an error string.
	TypeCommandFailed MessageType = "CommandFailed"
	// TypeCommandTimedOut is emitted when a command lease expires without
	// a terminal result.
	TypeCommandTimedOut MessageType = "CommandTimedOut"
)

// Well-known header keys.
const (
	HeaderReplyTo        = "replyTo"
	HeaderTenantID       = "tenantId"
	HeaderSchemaVersion  = "schemaVersion"
	HeaderIdempotencyKey = "idempotencyKey"
	HeaderParallelBranch = "parallelBranch"
	HeaderTraceID        = "traceId"
	HeaderSpanID         = "spanId"
)

// SchemaVersion is the current envelope schema version header value.
const SchemaVersion = "1"

// ReplyQueue is the shared reply destination for all command queues.
const ReplyQueue = "APP.CMD.REPLY.Q"

// Envelope is the message wrapper used on every queue and topic.
// Field order and names are part of the wire contract.
type Envelope struct {
	MessageID     string            `json:"messageId"`
	Type          MessageType       `json:"type"`
	Name          string            `json:"name"`
	CommandID     string            `json:"commandId"`
	CorrelationID string            `json:"correlationId"`
	CausationID   string            `json:"causationId"`
	OccurredAt    time.Time         `json:"occurredAt"`
	Key           *string           `json:"key"`
	Headers       map[string]string `json:"headers"`
	Payload       json.RawMessage   `json:"payload"`
	// Error carries the failure reason for Failed/TimedOut replies.
	Error string `json:"error,omitempty"`
}

// CommandTopic returns the queue name for a command type:
// APP.CMD.<COMMANDNAME>.Q with the command name uppercased.
func CommandTopic(name string) string {
	return "APP.CMD." + strings.ToUpper(name) + ".Q"
}

// EventTopic returns the event-bus topic for a domain: events.<Domain>.
func EventTopic(domain string) string {
	return "events." + domain
}

// NewCommand builds a CommandRequested envelope. The business key may be
// empty, in which case the key field is serialized as null.
func NewCommand(name, commandID, correlationID, causationID, businessKey string, payload json.RawMessage, headers map[string]string) *Envelope {
	return &Envelope{
		MessageID:     uuid.New().String(),
		Type:          TypeCommandRequested,
		Name:          name,
		CommandID:     commandID,
		CorrelationID: correlationID,
		CausationID:   causationID,
		OccurredAt:    time.Now().UTC(),
		Key:           keyOrNil(businessKey),
		Headers:       withDefaults(headers),
		Payload:       payload,
	}
}

// NewCompletedReply builds a CommandCompleted reply for the given request.
// The result map becomes the reply payload.
func NewCompletedReply(request *Envelope, result map[string]any) (*Envelope, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply result: %w", err)
	}
	reply := newReply(request, TypeCommandCompleted)
	reply.Payload = payload
	return reply, nil
}

// NewFailedReply builds a CommandFailed reply carrying the error string.
func NewFailedReply(request *Envelope, errMsg string) *Envelope {
	reply := newReply(request, TypeCommandFailed)
	reply.Error = errMsg
	return reply
}

// NewTimedOutReply builds a CommandTimedOut reply carrying the error string.
func NewTimedOutReply(request *Envelope, errMsg string) *Envelope {
	reply := newReply(request, TypeCommandTimedOut)
	reply.Error = errMsg
	return reply
}

// newReply clones identity and correlation fields from the request.
// The request's messageId becomes the reply's causationId.
func newReply(request *Envelope, msgType MessageType) *Envelope {
	headers := make(map[string]string, len(request.Headers))
	for k, v := range request.Headers {
		headers[k] = v
	}
	return &Envelope{
		MessageID:     uuid.New().String(),
		Type:          msgType,
		Name:          request.Name,
		CommandID:     request.CommandID,
		CorrelationID: request.CorrelationID,
		CausationID:   request.MessageID,
		OccurredAt:    time.Now().UTC(),
		Key:           request.Key,
		Headers:       headers,
	}
}

// IsReply reports whether the envelope is one of the reply kinds.
func (e *Envelope) IsReply() bool {
	switch e.Type {
	case TypeCommandCompleted, TypeCommandFailed, TypeCommandTimedOut:
		return true
	default:
		return false
	}
}

// Header returns a header value, or the empty string when absent.
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// BusinessKey returns the key field, or the empty string when null.
func (e *Envelope) BusinessKey() string {
	if e.Key == nil {
		return ""
	}
	return *e.Key
}

// Result decodes a Completed reply payload into a map.
// Returns an empty map for an empty payload.
func (e *Envelope) Result() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(e.Payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode reply payload: %w", err)
	}
	return result, nil
}

// Encode serializes the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode deserializes an envelope from JSON.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.MessageID == "" {
		return nil, fmt.Errorf("envelope missing messageId")
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &e, nil
}

func keyOrNil(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

func withDefaults(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	if out[HeaderReplyTo] == "" {
		out[HeaderReplyTo] = ReplyQueue
	}
	if out[HeaderSchemaVersion] == "" {
		out[HeaderSchemaVersion] = SchemaVersion
	}
	return out
}
