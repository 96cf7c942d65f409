package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harun/ctxlab/internal/daemon"
	"github.com/harun/ctxlab/pkg/agent"
	"github.com/harun/ctxlab/pkg/events"
	"github.com/harun/ctxlab/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var (
	askStream     bool
	askSession    string
	askModel      string
	askTechniques []string
	askJSON       bool
	askReasoning  bool
)

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Run one query in-process",
	Long: `Run one query against the configured backend without a gateway.
Techniques are given as kind or kind:param=value,param=value, for example
--technique retrieval:top_k=5 --technique memory:max_turns=6.
Ctrl-C cancels the run and prints the partial answer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askStream, "stream", true, "stream tokens from the backend")
	askCmd.Flags().StringVar(&askSession, "session", "", "session id to continue (default: new session)")
	askCmd.Flags().StringVar(&askModel, "model", "", "model override")
	askCmd.Flags().StringArrayVar(&askTechniques, "technique", nil, "enable a context technique (repeatable)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print raw events as JSON lines")
	askCmd.Flags().BoolVar(&askReasoning, "reasoning", true, "print reasoning tokens to stderr")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	techniques, err := parseTechniques(askTechniques)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg, cmd.Flags().Changed("log-level"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	rt, err := daemon.NewRuntime(cfg, log.GetZerolog())
	if err != nil {
		return err
	}
	defer rt.Close(5 * time.Second)

	if hasTechnique(techniques, agent.TechniqueRetrieval) && rt.Knowledge != nil {
		if _, err := rt.SyncKnowledge(cmd.Context()); err != nil {
			log.Warn().Err(err).Msg("Knowledge sync failed, searching the existing index")
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := orchestrator.Request{
		SessionID: askSession,
		Query:     strings.Join(args, " "),
		Model:     askModel,
		Stream:    askStream,
	}
	if len(techniques) > 0 {
		req.ContextConfig = &agent.ContextConfig{Techniques: techniques}
	}

	run, err := rt.Service.Start(ctx, req)
	if err != nil {
		return err
	}

	errOut := io.Discard
	if askReasoning {
		errOut = cmd.ErrOrStderr()
	}
	return renderEvents(cmd.OutOrStdout(), errOut, run.Events, askJSON)
}

func hasTechnique(techniques []agent.Technique, kind agent.TechniqueKind) bool {
	for _, t := range techniques {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// parseTechniques reads kind[:key=value,...] flags. Numeric and boolean
// values are typed; anything else stays a string.
func parseTechniques(specs []string) ([]agent.Technique, error) {
	out := make([]agent.Technique, 0, len(specs))
	for _, spec := range specs {
		kind, rest, _ := strings.Cut(strings.TrimSpace(spec), ":")
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			return nil, fmt.Errorf("invalid technique %q", spec)
		}

		t := agent.Technique{Kind: agent.TechniqueKind(kind)}
		if rest != "" {
			t.Params = map[string]interface{}{}
			for _, pair := range strings.Split(rest, ",") {
				key, value, ok := strings.Cut(pair, "=")
				key = strings.TrimSpace(key)
				if !ok || key == "" {
					return nil, fmt.Errorf("invalid technique parameter %q in %q", pair, spec)
				}
				t.Params[key] = parseParam(strings.TrimSpace(value))
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func parseParam(value string) interface{} {
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}

// errRunCancelled is returned after a cancelled marker.
var errRunCancelled = errors.New("run cancelled")

// renderEvents prints answer tokens to out and reasoning and tool activity
// to errOut. The channel is always drained. A run that ends in an error or
// a cancellation returns an error.
func renderEvents(out, errOut io.Writer, evs <-chan events.Event, asJSON bool) error {
	var result error
	enc := json.NewEncoder(out)
	answered := false

	for ev := range evs {
		if asJSON {
			if err := enc.Encode(ev); err != nil && result == nil {
				result = err
			}
		}

		switch data := ev.Data.(type) {
		case events.TokenData:
			if !asJSON {
				fmt.Fprint(out, data.Token)
				answered = true
			}
		case events.ReasoningTokenData:
			if !asJSON {
				fmt.Fprint(errOut, data.Token)
			}
		case events.ToolCallData:
			if !asJSON {
				fmt.Fprintf(errOut, "\n[tool] %s %v\n", data.Tool, data.Arguments)
			}
		case events.ToolResultData:
			if !asJSON && !data.Success {
				fmt.Fprintf(errOut, "[tool] %s failed: %s\n", data.Tool, data.Error)
			}
		case events.ErrorData:
			result = fmt.Errorf("%s: %s", data.Kind, data.Message)
			if data.Suggestion != "" {
				result = fmt.Errorf("%w (%s)", result, data.Suggestion)
			}
		case events.CancelledData:
			result = errRunCancelled
		}
	}

	if answered {
		fmt.Fprintln(out)
	}
	return result
}
