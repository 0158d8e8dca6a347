package nanobatch

import "fmt"

// SamplingParams holds the per-request generation parameters
type SamplingParams struct {
	Temperature float64
	MaxTokens   int
	IgnoreEOS   bool
	LogProbs    int
	LogProbEcho bool
	JSONSchema  string
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
		LogProbs:    0,
		LogProbEcho: false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		panic(err)
	}

	return sp
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	if sp.Temperature <= 1e-10 {
		return fmt.Errorf("greedy sampling is not permitted (temperature too low)")
	}
	if sp.LogProbs < 0 {
		return fmt.Errorf("logprobs count must not be negative")
	}
	return nil
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithTopLogProbs requests the top n log probabilities per generated token
func WithTopLogProbs(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.LogProbs = n
	}
}

// WithLogProbsEcho includes prompt positions in log probability reporting
func WithLogProbsEcho(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.LogProbEcho = b
	}
}

// WithSchema enables structured output constrained by a JSON schema
func WithSchema(schema string) SamplingOption {
	return func(sp *SamplingParams) {
		sp.JSONSchema = schema
	}
}
