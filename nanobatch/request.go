package nanobatch

// SequenceStatus represents the scheduling status of a request
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

// Request pairs a sequence context with its sampling parameters and the
// scheduler-side bookkeeping that does not belong inside the context.
type Request struct {
	ID     string
	Ctx    InputContext
	Params *SamplingParams
	Status SequenceStatus

	// DoneReason is set when the request finishes: "stop", "length" or
	// "error".
	DoneReason string

	// Err holds the fatal error that terminated the request, if any.
	Err error

	// prefilling is true while buffered prompt tokens remain to be fed to
	// the model, i.e. until the pass that samples the first token.
	prefilling bool

	// allocated is true while the request holds KV cache pages.
	allocated bool

	numGenerated int

	completion []CompletionToken
}

// NewRequest wraps a context for scheduling
func NewRequest(id string, ctx InputContext, params *SamplingParams) *Request {
	return &Request{
		ID:         id,
		Ctx:        ctx,
		Params:     params,
		Status:     StatusWaiting,
		prefilling: true,
	}
}

// IsFinished returns true if the request has finished generating
func (r *Request) IsFinished() bool {
	return r.Status == StatusFinished
}

// NumGenerated returns the number of tokens generated so far, forced tokens
// included
func (r *Request) NumGenerated() int {
	return r.numGenerated
}

// Drain moves any undelivered completion tokens out of the context and into
// the request's output accumulator, returning the newly drained tokens.
func (r *Request) Drain() []CompletionToken {
	out := r.Ctx.OutstandingCompletionTokens()
	r.completion = append(r.completion, out...)
	return out
}

// Completion returns all drained completion tokens in generation order
func (r *Request) Completion() []CompletionToken {
	return r.completion
}

// CompletionTokenIDs returns just the token IDs of the drained completion
func (r *Request) CompletionTokenIDs() []int {
	ids := make([]int, len(r.completion))
	for i, ct := range r.completion {
		ids[i] = ct.Token
	}
	return ids
}

// finish marks the request done and records why
func (r *Request) finish(reason string) {
	r.Status = StatusFinished
	r.DoneReason = reason
}
