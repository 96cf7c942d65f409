package session

import (
	"context"
	"fmt"

	"github.com/harun/ctxlab/pkg/tools"
)

// RecallToolName is the tool exposed when the memory technique is enabled.
const RecallToolName = tools.RecallConversation

const defaultRecallLimit = 6

// RecallTool lets the model read back earlier user and assistant turns of
// the session it is running in.
func RecallTool(store Store) tools.Definition {
	return tools.Definition{
		Name:        RecallToolName,
		Description: "Recall the most recent user and assistant messages of the current conversation.",
		Parameters: []tools.Parameter{
			{Name: "limit", Type: "integer", Description: "How many messages to return (default 6)"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			execCtx := tools.ExecContextFromContext(ctx)
			if execCtx == nil || execCtx.SessionID == "" {
				return nil, fmt.Errorf("no session bound to this call")
			}

			limit := defaultRecallLimit
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}

			sess, err := store.Get(ctx, execCtx.SessionID)
			if err != nil {
				return nil, err
			}

			return Recall(sess, limit), nil
		},
	}
}

// RecalledMessage is one entry returned by Recall.
type RecalledMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Recall returns up to limit most recent user/assistant messages with content.
func Recall(sess *Session, limit int) []RecalledMessage {
	out := []RecalledMessage{}
	for i := len(sess.Turns) - 1; i >= 0 && len(out) < limit; i-- {
		turn := sess.Turns[i]
		if turn.Role == RoleTool || turn.Content == "" {
			continue
		}
		out = append(out, RecalledMessage{Role: turn.Role, Content: turn.Content})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
