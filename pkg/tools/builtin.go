package tools

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/expr-lang/expr"
)

// Names of the tools every agent gets.
const (
	Calculate   = "calculate"
	TextStats   = "text_stats"
	CurrentTime = "current_time"
)

// Names of the tools contributed by context techniques. They live in other
// packages but are named here so agents can refer to them without importing
// the backing stores.
const (
	SearchKnowledgeBase = "search_knowledge_base"
	RecallConversation  = "recall_conversation"
)

// BaseToolNames lists the builtin tools in name order.
var BaseToolNames = []string{Calculate, CurrentTime, TextStats}

var now = time.Now

var calcEnv = map[string]interface{}{
	"pi":    math.Pi,
	"e":     math.E,
	"sqrt":  math.Sqrt,
	"pow":   math.Pow,
	"log":   math.Log,
	"log10": math.Log10,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
}

// RegisterBuiltins registers calculate, text_stats and current_time.
func RegisterBuiltins(r *Registry) error {
	for _, def := range []Definition{calculateTool(), textStatsTool(), currentTimeTool()} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func calculateTool() Definition {
	return Definition{
		Name:        Calculate,
		Description: "Evaluate an arithmetic expression such as \"12*8\" or \"sqrt(2) * pi\" and return the numeric result.",
		Parameters: []Parameter{
			{Name: "expression", Type: "string", Description: "Arithmetic expression to evaluate", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			expression, _ := args["expression"].(string)
			return Evaluate(expression)
		},
	}
}

// Evaluate computes an arithmetic expression as float64. Only numbers,
// operators and the math helpers in calcEnv are available.
func Evaluate(expression string) (float64, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return 0, fmt.Errorf("expression is empty")
	}

	program, err := expr.Compile(expression, expr.Env(calcEnv), expr.AsFloat64())
	if err != nil {
		return 0, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	out, err := expr.Run(program, calcEnv)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", expression, err)
	}

	value, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("expression %q did not produce a number", expression)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, fmt.Errorf("expression %q is not a finite number", expression)
	}

	return value, nil
}

// Stats is the result of text_stats.
type Stats struct {
	Characters        int     `json:"characters"`
	Bytes             int     `json:"bytes"`
	Words             int     `json:"words"`
	Lines             int     `json:"lines"`
	Sentences         int     `json:"sentences"`
	AverageWordLength float64 `json:"average_word_length"`
}

func textStatsTool() Definition {
	return Definition{
		Name:        TextStats,
		Description: "Count characters, words, lines and sentences in a piece of text.",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to analyse", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			text, _ := args["text"].(string)
			return ComputeStats(text), nil
		},
	}
}

// ComputeStats counts the basic shape of text.
func ComputeStats(text string) Stats {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '\'' && r != '-')
	})

	letters := 0
	for _, w := range words {
		letters += utf8.RuneCountInString(w)
	}

	stats := Stats{
		Characters: utf8.RuneCountInString(text),
		Bytes:      len(text),
		Words:      len(words),
	}
	if text != "" {
		stats.Lines = strings.Count(text, "\n") + 1
	}
	if stats.Words > 0 {
		stats.AverageWordLength = math.Round(float64(letters)/float64(stats.Words)*100) / 100
	}

	inSentence := false
	for _, r := range text {
		switch {
		case r == '.' || r == '!' || r == '?':
			if inSentence {
				stats.Sentences++
				inSentence = false
			}
		case !unicode.IsSpace(r):
			inSentence = true
		}
	}
	if inSentence {
		stats.Sentences++
	}

	return stats
}

func currentTimeTool() Definition {
	return Definition{
		Name:        CurrentTime,
		Description: "Return the current date and time, optionally in an IANA timezone such as \"Europe/Berlin\".",
		Parameters: []Parameter{
			{Name: "timezone", Type: "string", Description: "IANA timezone name; defaults to UTC"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			name, _ := args["timezone"].(string)
			if name == "" {
				name = "UTC"
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", name)
			}
			t := now().In(loc)
			return map[string]interface{}{
				"iso":      t.Format(time.RFC3339),
				"timezone": name,
				"weekday":  t.Weekday().String(),
				"unix":     t.Unix(),
			}, nil
		},
	}
}
