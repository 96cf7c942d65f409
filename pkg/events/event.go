// Package events defines the protocol events a run emits and the emitter
// that sequences them onto a channel.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags an event.
type Type string

const (
	TypeReasoningToken Type = "reasoning_token"
	TypeToken          Type = "token"
	TypeToolCall       Type = "tool_call"
	TypeToolResult     Type = "tool_result"
	TypeComplete       Type = "complete"
	TypeError          Type = "error"
	TypeCancelled      Type = "cancelled"
)

// Terminal reports whether t ends a run.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError || t == TypeCancelled
}

// Event is one protocol message. Data holds one of the *Data payload types
// below, matching Type.
type Event struct {
	Type      Type        `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	Seq       uint64      `json:"seq,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
}

// TokenData is the payload of a token event.
type TokenData struct {
	Token              string `json:"token"`
	CumulativeResponse string `json:"cumulative_response"`
}

// ReasoningTokenData is the payload of a reasoning_token event.
type ReasoningTokenData struct {
	Token               string `json:"token"`
	CumulativeReasoning string `json:"cumulative_reasoning"`
}

// ToolCallData is the payload of a tool_call event.
type ToolCallData struct {
	ID        string                 `json:"id,omitempty"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
	Iteration int                    `json:"iteration"`
}

// ToolResultData is the payload of a tool_result event.
type ToolResultData struct {
	ID         string      `json:"id,omitempty"`
	Tool       string      `json:"tool"`
	Result     interface{} `json:"result"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// CompleteData is the payload of the complete event.
type CompleteData struct {
	Model             string                 `json:"model"`
	SessionID         string                 `json:"session_id"`
	ReasoningLength   int                    `json:"reasoning_length"`
	ResponseLength    int                    `json:"response_length"`
	EnabledTechniques []string               `json:"enabled_techniques"`
	PipelineMetadata  map[string]interface{} `json:"pipeline_metadata"`
	Iterations        int                    `json:"iterations"`
	DurationMs        int64                  `json:"duration_ms"`
}

// ErrorData is the payload of the error event.
type ErrorData struct {
	Kind            string `json:"kind"`
	Message         string `json:"message"`
	Suggestion      string `json:"suggestion,omitempty"`
	PartialResponse string `json:"partial_response,omitempty"`
}

// CancelledData is the payload of the cancelled marker.
type CancelledData struct {
	Reason          string `json:"reason"`
	PartialResponse string `json:"partial_response,omitempty"`
}

// New builds an event stamped with the current time.
func New(t Type, data interface{}) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UnixMilli()}
}

// UnmarshalJSON decodes Data into the payload type matching Type, so a
// decoded event looks the same as the one that was emitted.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type      Type            `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
		Seq       uint64          `json:"seq"`
		RunID     string          `json:"run_id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var data interface{}
	switch raw.Type {
	case TypeReasoningToken:
		data = &ReasoningTokenData{}
	case TypeToken:
		data = &TokenData{}
	case TypeToolCall:
		data = &ToolCallData{}
	case TypeToolResult:
		data = &ToolResultData{}
	case TypeComplete:
		data = &CompleteData{}
	case TypeError:
		data = &ErrorData{}
	case TypeCancelled:
		data = &CancelledData{}
	default:
		return fmt.Errorf("unknown event type %q", raw.Type)
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			return fmt.Errorf("decode %s data: %w", raw.Type, err)
		}
	}

	*e = Event{
		Type:      raw.Type,
		Data:      deref(data),
		Timestamp: raw.Timestamp,
		Seq:       raw.Seq,
		RunID:     raw.RunID,
	}
	return nil
}

func deref(data interface{}) interface{} {
	switch d := data.(type) {
	case *ReasoningTokenData:
		return *d
	case *TokenData:
		return *d
	case *ToolCallData:
		return *d
	case *ToolResultData:
		return *d
	case *CompleteData:
		return *d
	case *ErrorData:
		return *d
	case *CancelledData:
		return *d
	}
	return data
}
