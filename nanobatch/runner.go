package nanobatch

import "math"

// Prediction is one model step's result for a single context: the sampled
// token, optional log probabilities (only when the context requested them),
// and whether the token is the end of sequence.
type Prediction struct {
	Token    int
	LogProbs *LogProbabilities
	IsEOS    bool
}

// ModelRunner is an interface for running model inference. Implementations
// consume each context's active window (NextTokens), never the raw buffer.
// Backends can be ONNX sessions, cgo bindings, or remote inference servers.
type ModelRunner interface {
	// Run executes one forward pass over the given contexts and returns one
	// prediction per context, in order.
	Run(ctxs []InputContext, isPrefill bool) ([]Prediction, error)

	// Close cleans up resources
	Close() error
}

// Tokenizer is an interface for tokenizing text
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// MockModelRunner is a deterministic runner for demos and tests
type MockModelRunner struct {
	config *Config
	vocab  int
}

// NewMockModelRunner creates a new mock model runner
func NewMockModelRunner(config *Config) *MockModelRunner {
	return &MockModelRunner{
		config: config,
		vocab:  32000,
	}
}

// Run generates mock predictions derived from each context's slot and length
func (m *MockModelRunner) Run(ctxs []InputContext, isPrefill bool) ([]Prediction, error) {
	preds := make([]Prediction, len(ctxs))

	for i, ctx := range ctxs {
		tokenID := (ctx.CacheSlotID()*31 + ctx.CurrentLength()) % m.vocab

		// Occasionally produce EOS so sequences terminate
		isEOS := false
		if !ctx.IsInitialPrompt() && (ctx.CurrentLength()+ctx.CacheSlotID())%24 == 0 {
			tokenID = m.config.EOS
			isEOS = true
		}

		preds[i] = Prediction{Token: tokenID, IsEOS: isEOS}

		if n := ctx.LogProbCount(); n > 0 {
			top := make(map[int]float64, n)
			for k := 0; k < n; k++ {
				top[(tokenID+k)%m.vocab] = -math.Log(float64(k + 2))
			}
			preds[i].LogProbs = &LogProbabilities{
				TokenLogProb: -math.Ln2,
				TopLogProbs:  top,
			}
		}
	}

	return preds, nil
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}

// MockTokenizer is a simple mock tokenizer for demos and tests
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{
		eosTokenID: eosTokenID,
	}
}

// Encode performs mock tokenization
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for _, c := range text {
		tokens = append(tokens, int(c)%1000)
	}
	return tokens, nil
}

// Decode performs mock detokenization
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	result := ""
	for _, id := range tokenIDs {
		if id != t.eosTokenID {
			result += string(rune(id + 32))
		}
	}
	return result, nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
