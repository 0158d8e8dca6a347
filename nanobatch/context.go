package nanobatch

import "fmt"

// ChunkSize is the granularity of token buffer allocation. Capacity is always
// a multiple of ChunkSize and the buffer grows by exactly one chunk at a time,
// trading more frequent reallocation for a predictable per-request footprint
// when thousands of sequences are resident.
const ChunkSize = 128

// TextContext is the per-request sequence state for text generation. It owns
// the token buffer, the start/active/end window over it, the completion
// delivery window, the sparse log probability ledger and the optional grammar
// binding. One context exists per in-flight request; it is mutated by exactly
// one scheduling goroutine at a time and provides no internal locking.
type TextContext struct {
	cacheSlotID int
	prompt      string
	maxLength   int

	// tokens is an owned buffer, never aliased with caller memory. Positions
	// in [0, endIdx) hold committed tokens; the rest is zero filler that
	// consumers must never read.
	tokens []int

	// Window cursors, 0 <= startIdx <= activeIdx <= endIdx <= len(tokens).
	// [startIdx, activeIdx) is the slice fed to the model this iteration.
	startIdx  int
	activeIdx int
	endIdx    int

	// [completionStartIdx, completionEndIdx) covers generated tokens not yet
	// delivered to the client.
	completionStartIdx int
	completionEndIdx   int

	logProbCount int
	logProbEcho  bool
	logProbData  map[int]*LogProbabilities

	matcher    GrammarMatcher
	jsonSchema string

	isInitialPrompt bool
}

// ContextOption configures a TextContext at construction.
type ContextOption func(*TextContext)

// WithPrompt attaches the raw prompt text the tokens were produced from.
func WithPrompt(prompt string) ContextOption {
	return func(c *TextContext) {
		c.prompt = prompt
	}
}

// WithMaxLength sets the upper bound on the sequence length. The context
// stores it for the scheduler; it never clamps itself.
func WithMaxLength(n int) ContextOption {
	return func(c *TextContext) {
		c.maxLength = n
	}
}

// WithLogProbs requests the top n log probabilities for each generated token.
func WithLogProbs(n int) ContextOption {
	return func(c *TextContext) {
		c.logProbCount = n
	}
}

// WithLogProbEcho makes prompt positions eligible for log probability
// reporting as well.
func WithLogProbEcho(b bool) ContextOption {
	return func(c *TextContext) {
		c.logProbEcho = b
	}
}

// WithJSONSchema records the schema text a grammar matcher was built from.
func WithJSONSchema(schema string) ContextOption {
	return func(c *TextContext) {
		c.jsonSchema = schema
	}
}

// NewTextContext creates a context from an initial prompt token sequence. The
// buffer capacity is the prompt length rounded up to the next ChunkSize
// multiple, and the tokens are copied so the context never shares memory with
// the caller.
func NewTextContext(cacheSlotID int, tokens []int, opts ...ContextOption) (*TextContext, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty token sequence", ErrInvalidInput)
	}

	size := (len(tokens) + ChunkSize - 1) / ChunkSize * ChunkSize

	buf := make([]int, size)
	copy(buf, tokens)

	c := &TextContext{
		cacheSlotID:        cacheSlotID,
		tokens:             buf,
		startIdx:           0,
		activeIdx:          len(tokens),
		endIdx:             len(tokens),
		completionStartIdx: len(tokens),
		completionEndIdx:   len(tokens),
		logProbData:        make(map[int]*LogProbabilities),
		isInitialPrompt:    true,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// CacheSlotID returns the external KV cache slot this sequence occupies.
func (c *TextContext) CacheSlotID() int { return c.cacheSlotID }

// Prompt returns the raw prompt text, if one was attached.
func (c *TextContext) Prompt() string { return c.prompt }

// StartIdx returns the start cursor of the active window.
func (c *TextContext) StartIdx() int { return c.startIdx }

// ActiveIdx returns the end cursor of the active window.
func (c *TextContext) ActiveIdx() int { return c.activeIdx }

// EndIdx returns the number of committed tokens.
func (c *TextContext) EndIdx() int { return c.endIdx }

// CurrentLength is the total sequence length, completed plus active tokens.
func (c *TextContext) CurrentLength() int { return c.endIdx }

// ActiveLength is the number of tokens input this iteration.
func (c *TextContext) ActiveLength() int { return c.activeIdx - c.startIdx }

// MaxLength returns the optional sequence length bound; 0 means unbounded.
func (c *TextContext) MaxLength() int { return c.maxLength }

// Capacity returns the current buffer capacity, always a ChunkSize multiple.
func (c *TextContext) Capacity() int { return len(c.tokens) }

// NextTokens returns the active window [start, active) as a view into the
// buffer.
func (c *TextContext) NextTokens() []int {
	return c.tokens[c.startIdx:c.activeIdx]
}

// LogProbCount returns the requested number of top log probabilities.
func (c *TextContext) LogProbCount() int { return c.logProbCount }

// LogProbEcho reports whether prompt positions should also be scored.
func (c *TextContext) LogProbEcho() bool { return c.logProbEcho }

// Matcher returns the bound grammar automaton, or nil.
func (c *TextContext) Matcher() GrammarMatcher { return c.matcher }

// SetMatcher binds a grammar automaton for constrained decoding. The context
// takes exclusive ownership.
func (c *TextContext) SetMatcher(m GrammarMatcher) { c.matcher = m }

// JSONSchema returns the schema text associated with the matcher, if any.
func (c *TextContext) JSONSchema() string { return c.jsonSchema }

// IsInitialPrompt reports whether the active window is an unconsumed initial
// prompt.
func (c *TextContext) IsInitialPrompt() bool { return c.isInitialPrompt }

// upsize grows the buffer by exactly one chunk when the next write would land
// at or beyond capacity.
func (c *TextContext) upsize() {
	if c.endIdx >= len(c.tokens) {
		grown := make([]int, len(c.tokens)+ChunkSize)
		copy(grown, c.tokens)
		c.tokens = grown
	}
}

// Update is the primary per-iteration advance.
//
// While activeIdx < endIdx the sequence is mid chunked-prefill: buffered
// prompt tokens remain to be consumed, so the token is ignored and the window
// simply slides forward. This lets the scheduler walk a long prompt through
// multiple forward passes without re-supplying content.
//
// Once activeIdx == endIdx the sequence is generating: the token is written at
// activeIdx, the optional log probabilities are recorded there, and all of
// start/active/end advance. An EOS token is committed to the buffer but
// excluded from the completion window, so it is never delivered to the client.
func (c *TextContext) Update(token int, logProbs *LogProbabilities, isEOS bool) error {
	if c.activeIdx < c.endIdx {
		c.startIdx = c.activeIdx
		c.activeIdx = c.endIdx
		return nil
	}

	c.upsize()
	c.tokens[c.activeIdx] = token
	if logProbs != nil {
		c.logProbData[c.activeIdx] = logProbs
	}

	c.startIdx = c.activeIdx
	c.activeIdx++
	c.endIdx++

	if !isEOS {
		c.completionEndIdx++
	}

	// The model already sampled this token; the matcher rejecting it means
	// model and grammar have diverged, which is not locally recoverable.
	if c.matcher != nil && !c.matcher.AcceptToken(token) {
		return fmt.Errorf("%w: token %d at position %d", ErrGrammarMismatch, token, c.activeIdx-1)
	}

	c.isInitialPrompt = false
	return nil
}

// JumpAhead forces a token into the sequence without a model forward pass.
// startIdx is deliberately left behind: the next active window spans both the
// previously consumed token and the forced one, so the model processes both
// together on the next iteration. No log probability is recorded.
func (c *TextContext) JumpAhead(token int) error {
	c.upsize()
	c.tokens[c.activeIdx] = token

	c.activeIdx++
	c.endIdx++
	c.completionEndIdx++

	if c.matcher != nil && !c.matcher.AcceptToken(token) {
		return fmt.Errorf("%w: forced token %d at position %d", ErrGrammarMismatch, token, c.activeIdx-1)
	}

	c.isInitialPrompt = false
	return nil
}

// BumpTokenIndices moves the window cursors without touching the buffer, for
// chunks whose content is already in place. Each delta defaults to zero, the
// identity element, so callers pass only the cursors they want moved. The
// bump commits atomically: on an ordering violation nothing changes.
func (c *TextContext) BumpTokenIndices(startDelta, activeDelta, endDelta int) error {
	newStart := c.startIdx + startDelta
	newActive := c.activeIdx + activeDelta
	newEnd := c.endIdx + endDelta

	if newStart >= newActive {
		return fmt.Errorf("%w: new start (%d) must be less than new active (%d)",
			ErrInvalidIndex, newStart, newActive)
	}
	if newActive > newEnd {
		return fmt.Errorf("%w: new active (%d) must not exceed new end (%d)",
			ErrInvalidIndex, newActive, newEnd)
	}

	c.startIdx = newStart
	c.activeIdx = newActive
	c.endIdx = newEnd
	return nil
}

// Reset rewinds startIdx to zero so the full token history [0, end) becomes
// the next active window. Used after the external cache slot lost its KV
// state and the sequence must be re-encoded. Buffer content, endIdx and the
// completion window are untouched.
func (c *TextContext) Reset() {
	c.startIdx = 0
	c.isInitialPrompt = true
}

// OutstandingCompletionTokens drains the completion window, returning every
// undelivered generated token with its log probabilities. Ledger entries are
// popped as they are returned, so a given buffer position is delivered at
// most once over the context's lifetime.
func (c *TextContext) OutstandingCompletionTokens() []CompletionToken {
	res := make([]CompletionToken, 0, c.completionEndIdx-c.completionStartIdx)
	for idx := c.completionStartIdx; idx < c.completionEndIdx; idx++ {
		lp := c.logProbData[idx]
		delete(c.logProbData, idx)
		res = append(res, CompletionToken{Token: c.tokens[idx], LogProbs: lp})
	}

	c.completionStartIdx = c.completionEndIdx

	return res
}
