package nanobatch

import "errors"

// ErrInvalidInput is returned when a context is constructed from a malformed
// token sequence.
var ErrInvalidInput = errors.New("invalid input tokens")

// ErrInvalidIndex is returned when a token-index bump would break the
// start <= active <= end ordering. The context is left unchanged.
var ErrInvalidIndex = errors.New("invalid token indices")

// ErrGrammarMismatch is returned when the bound grammar matcher rejects a
// token that was already accepted into the sequence. The model and the
// grammar disagree; the request cannot be recovered locally.
var ErrGrammarMismatch = errors.New("grammar matcher rejected accepted token")

// ErrInputTooLong is returned when a prompt exceeds the model's context length.
var ErrInputTooLong = errors.New("the input length exceeds the context length")
