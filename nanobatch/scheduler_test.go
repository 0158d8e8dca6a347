package nanobatch

import (
	"errors"
	"testing"
)

func promptOfLength(n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = i + 1
	}
	return tokens
}

func addRequest(t *testing.T, s *Scheduler, id string, prompt []int, params *SamplingParams) *Request {
	t.Helper()

	slot := s.Slots().AllocateSlot()
	ctx, err := NewTextContext(slot, prompt)
	if err != nil {
		t.Fatalf("NewTextContext failed: %v", err)
	}

	req := NewRequest(id, ctx, params)
	s.Add(req)
	return req
}

func TestSchedulerChunkedPrefill(t *testing.T) {
	config := NewConfig("test-model",
		WithPrefillChunkSize(4),
		WithKVPageSize(128),
		WithNumKVPages(8),
	)
	s := NewScheduler(config)
	req := addRequest(t, s, "r1", promptOfLength(10), NewSamplingParams())

	// First chunk: the active cursor is bumped back to carve out 4 tokens
	reqs, isPrefill := s.Schedule()
	if !isPrefill {
		t.Fatalf("Expected a prefill step")
	}
	if len(reqs) != 1 || reqs[0] != req {
		t.Fatalf("Expected the request to be scheduled")
	}
	if got := req.Ctx.ActiveLength(); got != 4 {
		t.Errorf("Expected active window of 4, got %d", got)
	}
	window := req.Ctx.NextTokens()
	if window[0] != 1 || window[3] != 4 {
		t.Errorf("Expected window [1..4], got %v", window)
	}

	// Feeding the chunk back slides the window to the remainder
	if err := s.Postprocess(reqs, []Prediction{{Token: 0}}); err != nil {
		t.Fatalf("Postprocess failed: %v", err)
	}
	if got := req.Ctx.StartIdx(); got != 4 {
		t.Errorf("Expected start at 4 after first chunk, got %d", got)
	}
	if req.NumGenerated() != 0 {
		t.Errorf("Mid-prefill pass must not count as generation")
	}

	// Second chunk covers [4, 8)
	reqs, isPrefill = s.Schedule()
	if !isPrefill || req.Ctx.ActiveLength() != 4 {
		t.Fatalf("Expected a second 4-token prefill chunk, got %d", req.Ctx.ActiveLength())
	}
	if err := s.Postprocess(reqs, []Prediction{{Token: 0}}); err != nil {
		t.Fatalf("Postprocess failed: %v", err)
	}

	// Final chunk: the model samples the first token on this pass
	reqs, isPrefill = s.Schedule()
	if !isPrefill || req.Ctx.ActiveLength() != 2 {
		t.Fatalf("Expected a final 2-token prefill chunk, got %d", req.Ctx.ActiveLength())
	}
	if err := s.Postprocess(reqs, []Prediction{{Token: 77}}); err != nil {
		t.Fatalf("Postprocess failed: %v", err)
	}
	if req.NumGenerated() != 1 {
		t.Errorf("Expected 1 generated token, got %d", req.NumGenerated())
	}
	if got := req.Ctx.CurrentLength(); got != 11 {
		t.Errorf("Expected 11 committed tokens, got %d", got)
	}

	drained := req.Drain()
	if len(drained) != 1 || drained[0].Token != 77 {
		t.Errorf("Expected drained completion [77], got %v", drained)
	}

	// The request is now in decode
	reqs, isPrefill = s.Schedule()
	if isPrefill {
		t.Fatalf("Expected a decode step")
	}
	if got := req.Ctx.ActiveLength(); got != 1 {
		t.Errorf("Expected single-token decode window, got %d", got)
	}
	if got := req.Ctx.NextTokens()[0]; got != 77 {
		t.Errorf("Expected the sampled token as decode input, got %d", got)
	}
}

func TestSchedulerPreemptsYoungest(t *testing.T) {
	config := NewConfig("test-model",
		WithKVPageSize(128),
		WithNumKVPages(2),
	)
	s := NewScheduler(config)
	req1 := addRequest(t, s, "r1", promptOfLength(128), NewSamplingParams())
	req2 := addRequest(t, s, "r2", promptOfLength(128), NewSamplingParams())

	reqs, isPrefill := s.Schedule()
	if !isPrefill || len(reqs) != 2 {
		t.Fatalf("Expected both requests prefilled, got %d", len(reqs))
	}
	if err := s.Postprocess(reqs, []Prediction{{Token: 5}, {Token: 6}}); err != nil {
		t.Fatalf("Postprocess failed: %v", err)
	}

	// Both sequences need a second page now and none is free. The younger
	// running sequence loses its cache state.
	reqs, isPrefill = s.Schedule()
	if isPrefill {
		t.Fatalf("Expected a decode step")
	}
	if len(reqs) != 1 || reqs[0] != req1 {
		t.Fatalf("Expected only the older request scheduled")
	}

	if req2.Status != StatusWaiting {
		t.Errorf("Expected evicted request back in waiting")
	}
	if s.Slots().HasPages(req2.Ctx.CacheSlotID()) {
		t.Errorf("Expected evicted request's pages reclaimed")
	}
	if got := req2.Ctx.StartIdx(); got != 0 {
		t.Errorf("Expected reset context to re-encode from 0, got start %d", got)
	}
	if !req2.Ctx.IsInitialPrompt() {
		t.Errorf("Expected reset context to be an initial prompt again")
	}
	// The generated token survives eviction and is re-encoded with the prompt
	if got := req2.Ctx.ActiveLength(); got != 129 {
		t.Errorf("Expected full 129-token re-encode window, got %d", got)
	}
}

func TestSchedulerFinishOnEOS(t *testing.T) {
	config := NewConfig("test-model", WithKVPageSize(128), WithEOS(2))
	s := NewScheduler(config)
	req := addRequest(t, s, "r1", promptOfLength(5), NewSamplingParams())

	reqs, _ := s.Schedule()
	if err := s.Postprocess(reqs, []Prediction{{Token: 2, IsEOS: true}}); err != nil {
		t.Fatalf("Postprocess failed: %v", err)
	}

	if !req.IsFinished() || req.DoneReason != "stop" {
		t.Errorf("Expected stop finish, got status %v reason %q", req.Status, req.DoneReason)
	}

	// EOS is committed to the buffer but never delivered as completion output
	if got := req.Ctx.CurrentLength(); got != 6 {
		t.Errorf("Expected EOS committed to the buffer, length %d", got)
	}
	if drained := req.Drain(); len(drained) != 0 {
		t.Errorf("Expected EOS excluded from the completion, got %v", drained)
	}

	if s.Slots().HasPages(req.Ctx.CacheSlotID()) {
		t.Errorf("Expected pages released on finish")
	}
	if !s.IsFinished() {
		t.Errorf("Expected scheduler drained")
	}
}

func TestSchedulerIgnoreEOS(t *testing.T) {
	config := NewConfig("test-model", WithKVPageSize(128), WithEOS(2))
	s := NewScheduler(config)
	req := addRequest(t, s, "r1", promptOfLength(5), NewSamplingParams(WithIgnoreEOS(true)))

	reqs, _ := s.Schedule()
	if err := s.Postprocess(reqs, []Prediction{{Token: 2, IsEOS: true}}); err != nil {
		t.Fatalf("Postprocess failed: %v", err)
	}

	if req.IsFinished() {
		t.Errorf("Expected request to keep generating past EOS")
	}
}

func TestSchedulerFinishOnMaxTokens(t *testing.T) {
	config := NewConfig("test-model", WithKVPageSize(128))
	s := NewScheduler(config)
	req := addRequest(t, s, "r1", promptOfLength(5), NewSamplingParams(WithMaxTokens(3)))

	for !s.IsFinished() {
		reqs, _ := s.Schedule()
		preds := make([]Prediction, len(reqs))
		for i := range preds {
			preds[i] = Prediction{Token: 9}
		}
		if err := s.Postprocess(reqs, preds); err != nil {
			t.Fatalf("Postprocess failed: %v", err)
		}
		req.Drain()
	}

	if req.DoneReason != "length" {
		t.Errorf("Expected length finish, got %q", req.DoneReason)
	}
	if req.NumGenerated() != 3 {
		t.Errorf("Expected 3 generated tokens, got %d", req.NumGenerated())
	}
	if got := len(req.Completion()); got != 3 {
		t.Errorf("Expected 3 completion tokens, got %d", got)
	}
}

// forcingMatcher accepts everything and forces a fixed tail of tokens once
// the queue is non-empty.
type forcingMatcher struct {
	forced []int
}

func (m *forcingMatcher) AcceptToken(token int) bool {
	if len(m.forced) > 0 && m.forced[0] == token {
		m.forced = m.forced[1:]
	}
	return true
}

func (m *forcingMatcher) ForcedToken() (int, bool) {
	if len(m.forced) == 0 {
		return 0, false
	}
	return m.forced[0], true
}

func TestSchedulerJumpAhead(t *testing.T) {
	config := NewConfig("test-model", WithKVPageSize(128))
	s := NewScheduler(config)
	req := addRequest(t, s, "r1", promptOfLength(5), NewSamplingParams())
	req.Ctx.SetMatcher(&forcingMatcher{forced: []int{8, 9}})

	reqs, _ := s.Schedule()
	if err := s.Postprocess(reqs, []Prediction{{Token: 7}}); err != nil {
		t.Fatalf("Postprocess failed: %v", err)
	}

	// One sampled plus two forced tokens, all without further model passes
	if req.NumGenerated() != 3 {
		t.Errorf("Expected 3 generated tokens, got %d", req.NumGenerated())
	}
	drained := req.Drain()
	if len(drained) != 3 || drained[0].Token != 7 || drained[1].Token != 8 || drained[2].Token != 9 {
		t.Errorf("Expected completion [7 8 9], got %v", drained)
	}

	// The next pass encodes the sampled and forced tokens together
	if got := req.Ctx.ActiveLength(); got != 3 {
		t.Errorf("Expected 3-token decode window after jump-ahead, got %d", got)
	}
}

func TestSchedulerGrammarMismatchTerminates(t *testing.T) {
	config := NewConfig("test-model", WithKVPageSize(128))
	s := NewScheduler(config)
	req := addRequest(t, s, "r1", promptOfLength(5), NewSamplingParams())
	req.Ctx.SetMatcher(&stubMatcher{reject: true})

	reqs, _ := s.Schedule()
	err := s.Postprocess(reqs, []Prediction{{Token: 7}})
	if err == nil {
		t.Fatalf("Expected a grammar error")
	}
	if !errors.Is(err, ErrGrammarMismatch) {
		t.Errorf("Expected ErrGrammarMismatch, got %v", err)
	}

	if !req.IsFinished() || req.DoneReason != "error" {
		t.Errorf("Expected error finish, got status %v reason %q", req.Status, req.DoneReason)
	}
	if req.Err == nil {
		t.Errorf("Expected the fatal error recorded on the request")
	}
	if s.Slots().HasPages(req.Ctx.CacheSlotID()) {
		t.Errorf("Expected pages released on failure")
	}
}
