package chat

import (
	"fmt"
	"regexp"
	"strings"
)

// Types returns the event types of frames in order.
func Types(frames []Frame) []EventType {
	out := make([]EventType, len(frames))
	for i, f := range frames {
		out[i] = f.Type()
	}
	return out
}

// SequencePattern matches a frame sequence against a pattern of event types
// with grouping and repetition, e.g.
//
//	connected thinking_start (tool_call_start tool_call_complete)* thinking_complete answer+ complete
//
// Supported operators are ( ) | * + ?. The whole sequence must match.
type SequencePattern struct {
	src string
	re  *regexp.Regexp
}

// CompileSequence parses a pattern.
func CompileSequence(pattern string) (*SequencePattern, error) {
	var b strings.Builder
	b.WriteString("^(?:")

	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == ',':
			i++
		case c == '(':
			b.WriteString("(?:")
			i++
		case strings.IndexByte(")|*+?", c) >= 0:
			b.WriteByte(c)
			i++
		case c == '_' || (c >= 'a' && c <= 'z'):
			j := i
			for j < len(pattern) && (pattern[j] == '_' || (pattern[j] >= 'a' && pattern[j] <= 'z')) {
				j++
			}
			name := EventType(pattern[i:j])
			if !name.IsValid() {
				return nil, fmt.Errorf("sequence pattern: %w: %q", ErrUnknownEventType, name)
			}
			b.WriteString("(?:" + string(name) + ";)")
			i = j
		default:
			return nil, fmt.Errorf("sequence pattern: unexpected %q at offset %d", c, i)
		}
	}
	b.WriteString(")$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("sequence pattern: %w", err)
	}
	return &SequencePattern{src: pattern, re: re}, nil
}

// Match reports whether types matches the pattern.
func (p *SequencePattern) Match(types []EventType) bool {
	var b strings.Builder
	for _, t := range types {
		b.WriteString(string(t))
		b.WriteByte(';')
	}
	return p.re.MatchString(b.String())
}

// String returns the source pattern.
func (p *SequencePattern) String() string { return p.src }
