package nanobatch

// GrammarMatcher is a constrained-decoding automaton bound to a single
// context. AcceptToken advances the automaton by one accepted token and
// reports whether the token was legal. A matcher is exclusively owned by its
// context and must never be shared.
type GrammarMatcher interface {
	AcceptToken(token int) bool
}

// TokenForcer is optionally implemented by matchers that can determine the
// next token without a model forward pass. When ForcedToken reports true, the
// engine feeds the token through JumpAhead instead of running the model.
type TokenForcer interface {
	ForcedToken() (int, bool)
}

// InputContext is the contract the scheduler, slot manager and model runner
// program against. They must not depend on a concrete context type.
type InputContext interface {
	// CacheSlotID returns this sequence's slot in the external KV cache.
	CacheSlotID() int

	// StartIdx, ActiveIdx and EndIdx are the window cursors into the token
	// buffer, with 0 <= start <= active <= end <= capacity at all times.
	StartIdx() int
	ActiveIdx() int
	EndIdx() int

	// CurrentLength is the total number of committed tokens (prompt plus
	// generated), i.e. EndIdx.
	CurrentLength() int

	// ActiveLength is the number of tokens the model consumes this
	// iteration: the prompt size during context encoding, 1 (or more) during
	// token generation.
	ActiveLength() int

	// MaxLength is the optional upper bound on the sequence length; 0 means
	// unbounded. Enforcement belongs to the scheduler, not the context.
	MaxLength() int

	// NextTokens returns the active window [start, active), the tokens to be
	// input during this iteration. The slice is a view; callers must not
	// retain it across mutations.
	NextTokens() []int

	// LogProbCount is the number of top log probabilities requested per
	// position; 0 disables log probability tracking. LogProbEcho reports
	// whether prompt positions are also eligible for scoring.
	LogProbCount() int
	LogProbEcho() bool

	// Matcher returns the bound constrained-decoding automaton, or nil.
	Matcher() GrammarMatcher
	SetMatcher(m GrammarMatcher)

	// JSONSchema returns the raw schema text behind the matcher, if any.
	JSONSchema() string

	// IsInitialPrompt reports whether [start, active) is an unconsumed
	// initial prompt rather than a generation step or resumed chunk.
	IsInitialPrompt() bool

	Update(token int, logProbs *LogProbabilities, isEOS bool) error
	JumpAhead(token int) error
	BumpTokenIndices(startDelta, activeDelta, endDelta int) error
	Reset()
	OutstandingCompletionTokens() []CompletionToken
}
