package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Definition {
	return Definition{
		Name:        name,
		Description: "Echo input",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("should register and look up a tool", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoTool("echo")))

		def, ok := r.Get("echo")
		require.True(t, ok)
		assert.Equal(t, "echo", def.Name)
		assert.Equal(t, []string{"echo"}, r.Names())
	})

	t.Run("should reject duplicate names", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoTool("echo")))

		err := r.Register(echoTool("echo"))
		var dup *DuplicateToolError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "echo", dup.Name)
	})

	t.Run("should reject invalid definitions", func(t *testing.T) {
		noop := func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil }
		tests := []struct {
			name string
			def  Definition
		}{
			{"empty name", Definition{Description: "x", Handler: noop}},
			{"empty description", Definition{Name: "x", Handler: noop}},
			{"nil handler", Definition{Name: "x", Description: "x"}},
			{"bad parameter type", Definition{Name: "x", Description: "x", Handler: noop,
				Parameters: []Parameter{{Name: "p", Type: "date", Description: "p"}}}},
		}

		r := NewRegistry()
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := r.Register(tt.def)
				assert.ErrorIs(t, err, ErrInvalidDefinition)
			})
		}
	})
}

func TestRegistry_Invoke(t *testing.T) {
	ctx := context.Background()

	t.Run("should return handler output", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoTool("echo")))

		out, err := r.Invoke(ctx, "echo", map[string]interface{}{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", out)
	})

	t.Run("should fail with ToolNotFoundError for unknown tools", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Invoke(ctx, "missing", nil)

		var nf *ToolNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "missing", nf.Name)
	})

	t.Run("should validate arguments against the schema", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoTool("echo")))

		tests := []map[string]interface{}{
			nil,
			{"text": 42},
			{"text": "ok", "extra": true},
		}
		for _, args := range tests {
			_, err := r.Invoke(ctx, "echo", args)
			var execErr *ToolExecutionError
			require.ErrorAs(t, err, &execErr)
			assert.Contains(t, execErr.Error(), "invalid arguments")
		}
	})

	t.Run("should wrap handler errors", func(t *testing.T) {
		r := NewRegistry()
		boom := errors.New("boom")
		def := echoTool("fail")
		def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, boom
		}
		require.NoError(t, r.Register(def))

		_, err := r.Invoke(ctx, "fail", map[string]interface{}{"text": "x"})
		var execErr *ToolExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.ErrorIs(t, err, boom)
		assert.False(t, execErr.Timeout)
	})

	t.Run("should recover handler panics", func(t *testing.T) {
		r := NewRegistry()
		def := echoTool("panicky")
		def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		}
		require.NoError(t, r.Register(def))

		var err error
		assert.NotPanics(t, func() {
			_, err = r.Invoke(ctx, "panicky", map[string]interface{}{"text": "x"})
		})
		var execErr *ToolExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.True(t, execErr.Panic)
		assert.Contains(t, err.Error(), "kaboom")
	})

	t.Run("should time out handlers that ignore the context", func(t *testing.T) {
		r := NewRegistry(WithTimeout(50 * time.Millisecond))
		release := make(chan struct{})
		defer close(release)

		def := echoTool("hang")
		def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			<-release
			return "late", nil
		}
		require.NoError(t, r.Register(def))

		start := time.Now()
		_, err := r.Invoke(ctx, "hang", map[string]interface{}{"text": "x"})
		assert.Less(t, time.Since(start), time.Second)

		var execErr *ToolExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.True(t, execErr.Timeout)
	})

	t.Run("should truncate oversized string output", func(t *testing.T) {
		r := NewRegistry()
		def := echoTool("big")
		def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return strings.Repeat("a", maxOutputSize+100), nil
		}
		require.NoError(t, r.Register(def))

		out, err := r.Invoke(ctx, "big", map[string]interface{}{"text": "x"})
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(out.(string), "[output truncated]"))
	})

	t.Run("should be safe for concurrent use", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoTool("echo")))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := r.Invoke(ctx, "echo", map[string]interface{}{"text": "x"})
				assert.NoError(t, err)
				assert.Equal(t, "x", out)
			}()
		}
		wg.Wait()
	})
}

func TestRegistry_Select(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("b")))
	require.NoError(t, r.Register(echoTool("a")))
	require.NoError(t, r.Register(echoTool("c")))

	t.Run("should sort and dedupe selected names", func(t *testing.T) {
		set, err := r.Select([]string{"b", "a", "b"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, set.Names())
		assert.Equal(t, "a,b", set.Signature())
		assert.Equal(t, 2, set.Len())
	})

	t.Run("should fail on unknown names", func(t *testing.T) {
		_, err := r.Select([]string{"a", "zzz"})
		var nf *ToolNotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("should only invoke selected tools", func(t *testing.T) {
		set, err := r.Select([]string{"a"})
		require.NoError(t, err)

		_, err = set.Invoke(context.Background(), "a", map[string]interface{}{"text": "ok"})
		assert.NoError(t, err)

		_, err = set.Invoke(context.Background(), "c", map[string]interface{}{"text": "ok"})
		var nf *ToolNotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("should render input schema", func(t *testing.T) {
		set, err := r.Select([]string{"a"})
		require.NoError(t, err)

		schema := set.Definitions()[0].InputSchema()
		assert.Equal(t, "object", schema["type"])
		assert.Equal(t, []string{"text"}, schema["required"])
		assert.NotContains(t, schema, "additionalProperties")
	})
}

func TestExecContext(t *testing.T) {
	ctx := ContextWithExecContext(context.Background(), &ExecutionContext{SessionID: "s1", RunID: "r1"})
	got := ExecContextFromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.SessionID)

	assert.Nil(t, ExecContextFromContext(context.Background()))
}
