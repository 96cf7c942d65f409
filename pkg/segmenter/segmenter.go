// Package segmenter splits an incremental model response into a reasoning
// channel and an answer channel using a start/end tag convention such as
// <think>...</think>.
package segmenter

import (
	"strings"
	"unicode"
)

// Default reasoning delimiters.
const (
	DefaultStartTag = "<think>"
	DefaultEndTag   = "</think>"
)

// Channel labels a delta.
type Channel string

const (
	Reasoning Channel = "reasoning"
	Answer    Channel = "answer"
)

// Delta is a classified piece of the response.
type Delta struct {
	Channel Channel
	Text    string
}

// State is the segmenter position relative to the reasoning block.
type State int

const (
	BeforeTag State = iota
	InsideReasoning
	AfterReasoning
)

func (s State) String() string {
	switch s {
	case BeforeTag:
		return "BEFORE_TAG"
	case InsideReasoning:
		return "INSIDE_REASONING"
	case AfterReasoning:
		return "AFTER_REASONING"
	default:
		return "UNKNOWN"
	}
}

// Config selects the tag pair. With AssumeNoReasoning set every byte goes
// to the answer channel untouched.
type Config struct {
	StartTag          string
	EndTag            string
	AssumeNoReasoning bool
}

// Segmenter is a single-use, non-concurrent state machine. Feed it with
// Push and call Flush once the stream closes.
//
// Text before the start tag may only be whitespace, which is dropped. Any
// other leading text means the model ignored the convention and the whole
// response is treated as answer. If the end tag never arrives everything
// after the start tag is reasoning.
type Segmenter struct {
	start string
	end   string
	state State
	buf   string
}

// New creates a segmenter. Empty tags fall back to the defaults.
func New(cfg Config) *Segmenter {
	s := &Segmenter{
		start: cfg.StartTag,
		end:   cfg.EndTag,
	}
	if s.start == "" {
		s.start = DefaultStartTag
	}
	if s.end == "" {
		s.end = DefaultEndTag
	}
	if cfg.AssumeNoReasoning {
		s.state = AfterReasoning
	}
	return s
}

// State returns the current state.
func (s *Segmenter) State() State {
	return s.state
}

// Push consumes a chunk and returns the deltas that can be classified so far.
// Text that might be the beginning of a tag is held back until the next
// chunk or Flush decides it.
func (s *Segmenter) Push(chunk string) []Delta {
	if chunk == "" {
		return nil
	}
	var out []Delta
	s.buf += chunk

	for {
		switch s.state {
		case BeforeTag:
			trimmed := strings.TrimLeftFunc(s.buf, unicode.IsSpace)
			switch {
			case strings.HasPrefix(trimmed, s.start):
				s.state = InsideReasoning
				s.buf = trimmed[len(s.start):]
				continue
			case strings.HasPrefix(s.start, trimmed):
				return out
			default:
				s.state = AfterReasoning
				continue
			}

		case InsideReasoning:
			if idx := strings.Index(s.buf, s.end); idx >= 0 {
				out = appendDelta(out, Reasoning, s.buf[:idx])
				s.buf = s.buf[idx+len(s.end):]
				s.state = AfterReasoning
				continue
			}
			hold := partialSuffix(s.buf, s.end)
			out = appendDelta(out, Reasoning, s.buf[:len(s.buf)-hold])
			s.buf = s.buf[len(s.buf)-hold:]
			return out

		default:
			out = appendDelta(out, Answer, s.buf)
			s.buf = ""
			return out
		}
	}
}

// Flush releases held-back text at end of stream. A partial start tag is
// answer text; a partial end tag is reasoning text.
func (s *Segmenter) Flush() []Delta {
	if s.buf == "" {
		return nil
	}
	text := s.buf
	s.buf = ""

	if s.state == InsideReasoning {
		return []Delta{{Channel: Reasoning, Text: text}}
	}
	s.state = AfterReasoning
	return []Delta{{Channel: Answer, Text: text}}
}

// Split segments a complete response in one call.
func Split(cfg Config, text string) (reasoning, answer string) {
	s := New(cfg)
	var r, a strings.Builder
	for _, d := range append(s.Push(text), s.Flush()...) {
		if d.Channel == Reasoning {
			r.WriteString(d.Text)
		} else {
			a.WriteString(d.Text)
		}
	}
	return r.String(), a.String()
}

func appendDelta(out []Delta, ch Channel, text string) []Delta {
	if text == "" {
		return out
	}
	// merge with a trailing delta on the same channel
	if n := len(out); n > 0 && out[n-1].Channel == ch {
		out[n-1].Text += text
		return out
	}
	return append(out, Delta{Channel: ch, Text: text})
}

// partialSuffix returns the length of the longest proper prefix of tag that
// s ends with.
func partialSuffix(s, tag string) int {
	limit := len(tag) - 1
	if limit > len(s) {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
