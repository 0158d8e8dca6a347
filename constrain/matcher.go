package constrain

import (
	"encoding/json"
	"fmt"
)

// TokenDecoder turns a token ID into its text, usually backed by the model's
// tokenizer vocabulary.
type TokenDecoder func(token int) (string, error)

// JSONMatcher walks the JSON pushdown graph one accepted token at a time. It
// satisfies the engine's grammar matcher contract: AcceptToken returns false
// when the token's text is illegal from the current state, which the caller
// must treat as fatal.
type JSONMatcher struct {
	decode TokenDecoder
	node   *pdaNode
	schema string
}

// NewJSONMatcher builds a matcher for JSON output. schema may be empty for
// schema-less JSON mode; when present it must be a valid JSON document (it is
// kept for reporting, the graph itself is schema-independent).
func NewJSONMatcher(schema string, decode TokenDecoder) (*JSONMatcher, error) {
	if decode == nil {
		return nil, fmt.Errorf("token decoder is required")
	}

	if schema != "" {
		var v any
		if err := json.Unmarshal([]byte(schema), &v); err != nil {
			return nil, fmt.Errorf("invalid json schema: %w", err)
		}
	}

	return &JSONMatcher{
		decode: decode,
		node:   buildGraph(),
		schema: schema,
	}, nil
}

// Schema returns the schema text the matcher was built from
func (m *JSONMatcher) Schema() string { return m.schema }

// AcceptToken advances the automaton by one token. The token is legal only if
// every rune of its decoded text has a transition from the current state.
func (m *JSONMatcher) AcceptToken(token int) bool {
	text, err := m.decode(token)
	if err != nil || text == "" {
		return false
	}

	node := m.node
	for _, r := range text {
		next, ok := node.step(r)
		if !ok {
			return false
		}
		node = next
	}

	m.node = node
	return true
}

// LiteralMatcher forces a fixed token sequence, then hands over to an
// optional inner matcher. While literal tokens remain it exposes them through
// ForcedToken so the engine can jump ahead without model passes, e.g. to
// emit a mandatory response prefix.
type LiteralMatcher struct {
	pending []int
	then    interface{ AcceptToken(int) bool }
}

// NewLiteralMatcher creates a matcher that forces the given tokens in order.
// then may be nil, in which case everything after the literal is legal.
func NewLiteralMatcher(tokens []int, then interface{ AcceptToken(int) bool }) *LiteralMatcher {
	pending := make([]int, len(tokens))
	copy(pending, tokens)
	return &LiteralMatcher{pending: pending, then: then}
}

// AcceptToken consumes the next literal token, or delegates once the literal
// is exhausted.
func (m *LiteralMatcher) AcceptToken(token int) bool {
	if len(m.pending) > 0 {
		if token != m.pending[0] {
			return false
		}
		m.pending = m.pending[1:]
		return true
	}

	if m.then != nil {
		return m.then.AcceptToken(token)
	}
	return true
}

// ForcedToken reports the next literal token while one remains
func (m *LiteralMatcher) ForcedToken() (int, bool) {
	if len(m.pending) > 0 {
		return m.pending[0], true
	}
	return 0, false
}
