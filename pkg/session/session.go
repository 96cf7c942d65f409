package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolInvocation records one tool call and its outcome.
type ToolInvocation struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    interface{}            `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Success   bool                   `json:"success"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
}

// Duration returns how long the call took.
func (r ToolInvocation) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Turn is one entry of a conversation.
type Turn struct {
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Reasoning string                 `json:"reasoning,omitempty"`
	ToolCall  *ToolInvocation        `json:"tool_call,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Session is a snapshot of a conversation.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Turns     []Turn    `json:"turns"`
}

// LastTurns returns up to n most recent turns.
func (s *Session) LastTurns(n int) []Turn {
	if n <= 0 || n >= len(s.Turns) {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// Store is implemented by every session backend.
type Store interface {
	// Ensure returns the session, creating it if absent.
	Ensure(ctx context.Context, id string) (*Session, error)
	// AppendTurn appends to an existing session; *NotFoundError otherwise.
	AppendTurn(ctx context.Context, id string, turn Turn) error
	Get(ctx context.Context, id string) (*Session, error)
	// Clear drops the turns but keeps the session.
	Clear(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// ErrInvalidSessionID is returned for ids that are empty or not path-safe.
var ErrInvalidSessionID = errors.New("invalid session id")

// NotFoundError reports a missing session.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.ID)
}

// StorageError reports that the persistence layer failed.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("session storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session storage %s failed for %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ValidateID rejects ids that are empty or unsafe to use as file names.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidSessionID)
	case len(id) > 128:
		return fmt.Errorf("%w: longer than 128 characters", ErrInvalidSessionID)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidSessionID)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: cannot contain path separators or null bytes", ErrInvalidSessionID)
	}
	return nil
}

func validateTurn(turn Turn) error {
	switch turn.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid turn role %q", turn.Role)
	}
	if turn.Content == "" && turn.Reasoning == "" && turn.ToolCall == nil {
		return fmt.Errorf("turn has no content")
	}
	return nil
}

// stamp fills a missing timestamp and clamps it so history stays monotonic.
func stamp(turn Turn, last time.Time) Turn {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	if turn.Timestamp.Before(last) {
		turn.Timestamp = last
	}
	return turn
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Turns = append([]Turn(nil), s.Turns...)
	return &cp
}
