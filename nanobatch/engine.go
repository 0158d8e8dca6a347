package nanobatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

// Output represents the output of a finished generation request
type Output struct {
	RequestID  string
	Text       string
	TokenIDs   []int
	LogProbs   []*LogProbabilities
	DoneReason string
}

// MatcherFactory builds a grammar matcher from raw schema text. The engine
// binds one to each structured-output request's context; the automaton's
// internals stay outside this package.
type MatcherFactory func(schema string) (GrammarMatcher, error)

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
	newMatcher  MatcherFactory

	requests map[string]*Request
}

// NewLLMEngine creates a new engine around a model runner and tokenizer
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLMEngine {
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   NewScheduler(config),
		requests:    make(map[string]*Request),
	}
}

// SetMatcherFactory installs the constrained-decoding automaton builder used
// for requests that carry a JSON schema.
func (e *LLMEngine) SetMatcherFactory(f MatcherFactory) {
	e.newMatcher = f
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// AddRequest admits a generation request. The prompt is either a string,
// which is tokenized, or a pre-tokenized []int. It returns the request ID.
func (e *LLMEngine) AddRequest(prompt interface{}, samplingParams *SamplingParams) (string, error) {
	var text string
	var tokenIDs []int
	var err error

	switch p := prompt.(type) {
	case string:
		text = p
		tokenIDs, err = e.tokenizer.Encode(p)
		if err != nil {
			return "", fmt.Errorf("failed to encode prompt: %w", err)
		}
	case []int:
		tokenIDs = p
	default:
		return "", fmt.Errorf("prompt must be string or []int")
	}

	if len(tokenIDs) > e.config.MaxModelLen {
		slog.Warn("rejecting prompt", "tokens", len(tokenIDs), "limit", e.config.MaxModelLen)
		return "", ErrInputTooLong
	}

	slotID := e.scheduler.Slots().AllocateSlot()

	opts := []ContextOption{
		WithPrompt(text),
		WithMaxLength(e.config.MaxModelLen),
		WithLogProbs(samplingParams.LogProbs),
		WithLogProbEcho(samplingParams.LogProbEcho),
	}
	if samplingParams.JSONSchema != "" {
		opts = append(opts, WithJSONSchema(samplingParams.JSONSchema))
	}

	ctx, err := NewTextContext(slotID, tokenIDs, opts...)
	if err != nil {
		e.scheduler.Slots().ReleaseSlot(slotID)
		return "", err
	}

	if samplingParams.JSONSchema != "" {
		if e.newMatcher == nil {
			e.scheduler.Slots().ReleaseSlot(slotID)
			return "", fmt.Errorf("schema provided but no matcher factory installed")
		}
		matcher, err := e.newMatcher(samplingParams.JSONSchema)
		if err != nil {
			e.scheduler.Slots().ReleaseSlot(slotID)
			return "", fmt.Errorf("failed to build grammar matcher: %w", err)
		}
		ctx.SetMatcher(matcher)
	}

	req := NewRequest(uuid.NewString(), ctx, samplingParams)
	e.requests[req.ID] = req
	e.scheduler.Add(req)
	return req.ID, nil
}

// Step performs one inference step: schedule, run the model over the active
// windows, feed predictions back, and drain finished requests' completion
// windows into outputs.
func (e *LLMEngine) Step() ([]Output, int, error) {
	reqs, isPrefill := e.scheduler.Schedule()

	ctxs := make([]InputContext, len(reqs))
	for i, req := range reqs {
		ctxs[i] = req.Ctx
	}

	preds, err := e.modelRunner.Run(ctxs, isPrefill)
	if err != nil {
		return nil, 0, fmt.Errorf("model inference failed: %w", err)
	}

	if err := e.scheduler.Postprocess(reqs, preds); err != nil {
		// Failed requests surface in their outputs; the step itself goes on.
		slog.Debug("postprocess reported request failure", "error", err)
	}

	outputs := make([]Output, 0)
	for _, req := range reqs {
		req.Drain()

		if !req.IsFinished() {
			continue
		}

		delete(e.requests, req.ID)

		text, err := e.tokenizer.Decode(req.CompletionTokenIDs())
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode tokens: %w", err)
		}

		out := Output{
			RequestID:  req.ID,
			Text:       text,
			TokenIDs:   req.CompletionTokenIDs(),
			DoneReason: req.DoneReason,
		}
		if req.Params.LogProbs > 0 {
			for _, ct := range req.Completion() {
				out.LogProbs = append(out.LogProbs, ct.LogProbs)
			}
		}
		outputs = append(outputs, out)
	}

	// Token accounting: positive for prefill, negative count of decode seqs
	numTokens := 0
	if isPrefill {
		for _, req := range reqs {
			numTokens += req.Ctx.ActiveLength()
		}
	} else {
		numTokens = -len(reqs)
	}

	return outputs, numTokens, nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate generates completions for the given prompts
func (e *LLMEngine) Generate(prompts []interface{}, samplingParams interface{}, useTqdm bool) ([]Output, error) {
	var spList []*SamplingParams
	switch sp := samplingParams.(type) {
	case *SamplingParams:
		spList = make([]*SamplingParams, len(prompts))
		for i := range spList {
			spList[i] = sp
		}
	case []*SamplingParams:
		if len(sp) != len(prompts) {
			return nil, fmt.Errorf("number of sampling params must match number of prompts")
		}
		spList = sp
	default:
		return nil, fmt.Errorf("samplingParams must be *SamplingParams or []*SamplingParams")
	}

	order := make(map[string]int, len(prompts))
	for i, prompt := range prompts {
		id, err := e.AddRequest(prompt, spList[i])
		if err != nil {
			return nil, err
		}
		order[id] = i
	}

	var bar *progressbar.ProgressBar
	if useTqdm {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	outputs := make([]Output, len(prompts))
	var prefillThroughput, decodeThroughput float64

	for !e.IsFinished() {
		start := time.Now()
		stepOutputs, numTokens, err := e.Step()
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if useTqdm {
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, output := range stepOutputs {
			idx, ok := order[output.RequestID]
			if !ok {
				continue
			}
			outputs[idx] = output
			if useTqdm {
				bar.Add(1)
			}
		}
	}

	if useTqdm {
		bar.Finish()
	}

	return outputs, nil
}
