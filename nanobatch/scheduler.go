package nanobatch

import (
	"container/list"
	"fmt"
	"log/slog"
)

// Scheduler drives sequence contexts through prefill and decode phases. It is
// the only component that invokes the contexts' mutation protocol, and each
// iteration mutates a context at most once (plus grammar-forced jump-aheads).
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	prefillChunkSize    int
	eos                 int
	slots               *SlotManager
	waiting             *list.List
	running             *list.List
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	numPages := config.NumKVPages
	if numPages == -1 {
		numPages = 1024
	}

	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumBatchedTokens,
		prefillChunkSize:    config.PrefillChunkSize,
		eos:                 config.EOS,
		slots:               NewSlotManager(numPages, config.KVPageSize),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// Slots returns the KV cache slot manager
func (s *Scheduler) Slots() *SlotManager {
	return s.slots
}

// IsFinished returns true if there are no more requests to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add queues a request for scheduling
func (s *Scheduler) Add(req *Request) {
	s.waiting.PushBack(req)
}

// Schedule selects the requests for the next model step. It returns the
// scheduled requests and whether this is a prefill step.
//
// Prefill walks the waiting queue: each request gets at most one prompt chunk
// per iteration. A chunk smaller than the remaining prompt is carved out by
// bumping the active cursor backward; the following Update slides the window
// to the remainder without a buffer write. Requests stay in waiting until
// their final prompt chunk is scheduled.
func (s *Scheduler) Schedule() ([]*Request, bool) {
	scheduled := make([]*Request, 0)
	numSeqs := 0
	numBatchedTokens := 0

	for elem := s.waiting.Front(); elem != nil && numSeqs < s.maxNumSeqs; {
		req := elem.Value.(*Request)

		need := req.Ctx.ActiveLength()
		chunk := min(need, s.prefillChunkSize, s.maxNumBatchedTokens-numBatchedTokens)
		if chunk < 1 {
			break
		}

		if !req.allocated {
			if !s.slots.CanAllocate(req.Ctx.CurrentLength()) {
				break
			}
			s.slots.Allocate(req.Ctx.CacheSlotID(), req.Ctx.NextTokens())
			req.allocated = true
		}

		if chunk < need {
			// Shrink the active window to this pass's chunk. Content is
			// already in the buffer, only the cursor moves.
			if err := req.Ctx.BumpTokenIndices(0, chunk-need, 0); err != nil {
				// Unreachable while chunk >= 1; fail the request rather
				// than wedge the queue.
				s.failRequest(req, err)
				next := elem.Next()
				s.waiting.Remove(elem)
				elem = next
				continue
			}
		} else {
			// Final prompt chunk: the model samples the first token on this
			// pass, after which the request is in decode.
			req.prefilling = false
		}

		numSeqs++
		numBatchedTokens += chunk
		req.Status = StatusRunning
		scheduled = append(scheduled, req)

		next := elem.Next()
		if !req.prefilling {
			s.waiting.Remove(elem)
			s.running.PushBack(req)
		}
		elem = next
	}

	if len(scheduled) > 0 {
		return scheduled, true
	}

	// Decode phase
	for s.running.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.running.Front()
		req := elem.Value.(*Request)
		s.running.Remove(elem)

		for !s.slots.CanAppend(req.Ctx.CacheSlotID()) {
			if s.running.Len() > 0 {
				// Evict the youngest running sequence to free pages
				lastElem := s.running.Back()
				s.running.Remove(lastElem)
				s.preempt(lastElem.Value.(*Request))
			} else {
				s.preempt(req)
				break
			}
		}

		if req.Status == StatusRunning {
			s.slots.MayAppend(req.Ctx.CacheSlotID())
			numSeqs++
			scheduled = append(scheduled, req)
		}
	}

	if len(scheduled) == 0 {
		panic("no requests scheduled")
	}

	// Put scheduled requests back at the front of the running queue
	for i := len(scheduled) - 1; i >= 0; i-- {
		s.running.PushFront(scheduled[i])
	}

	return scheduled, false
}

// preempt evicts a request's cache slot and resets its context so the full
// token history is re-encoded when it is rescheduled.
func (s *Scheduler) preempt(req *Request) {
	slog.Warn("evicting sequence, KV state will be re-encoded",
		"request", req.ID, "slot", req.Ctx.CacheSlotID(), "length", req.Ctx.CurrentLength())

	req.Status = StatusWaiting
	req.prefilling = true
	req.allocated = false
	s.slots.Evict(req.Ctx.CacheSlotID())
	req.Ctx.Reset()
	s.waiting.PushFront(req)
}

// Postprocess feeds one step's predictions back into the scheduled contexts
// and settles finish conditions. Requests whose grammar rejects a token are
// terminated, never silently continued; the rest of the batch still gets its
// predictions applied.
func (s *Scheduler) Postprocess(reqs []*Request, preds []Prediction) error {
	if len(reqs) != len(preds) {
		return fmt.Errorf("got %d predictions for %d requests", len(preds), len(reqs))
	}

	var firstErr error

	for i, req := range reqs {
		pred := preds[i]

		// Mid chunked-prefill updates only slide the window; the token is
		// only committed when the context is in generation mode.
		generating := req.Ctx.ActiveIdx() == req.Ctx.EndIdx()

		if err := req.Ctx.Update(pred.Token, pred.LogProbs, pred.IsEOS); err != nil {
			s.failRequest(req, err)
			s.removeRunning(req)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if !generating {
			continue
		}

		s.slots.CommitToken(req.Ctx.CacheSlotID(), pred.Token)
		req.numGenerated++

		if s.maybeFinish(req, pred.IsEOS) {
			continue
		}

		if err := s.jumpAhead(req); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// jumpAhead feeds grammar-determined tokens into the sequence without model
// passes, as long as the matcher can force them and pages remain.
func (s *Scheduler) jumpAhead(req *Request) error {
	forcer, ok := req.Ctx.Matcher().(TokenForcer)
	if !ok {
		return nil
	}

	for {
		token, forced := forcer.ForcedToken()
		if !forced {
			return nil
		}
		if !s.slots.CanAppend(req.Ctx.CacheSlotID()) {
			// Out of pages; the token stays forced and is picked up on a
			// later iteration.
			return nil
		}

		if err := req.Ctx.JumpAhead(token); err != nil {
			s.failRequest(req, err)
			s.removeRunning(req)
			return err
		}

		s.slots.CommitToken(req.Ctx.CacheSlotID(), token)
		req.numGenerated++

		if s.maybeFinish(req, false) {
			return nil
		}
	}
}

// maybeFinish settles EOS and length termination for a request and releases
// its slot when done. Max length lives here: the context never self-clamps.
func (s *Scheduler) maybeFinish(req *Request, isEOS bool) bool {
	switch {
	case isEOS && !req.Params.IgnoreEOS:
		req.finish("stop")
	case req.numGenerated >= req.Params.MaxTokens:
		req.finish("length")
	case req.Ctx.MaxLength() > 0 && req.Ctx.CurrentLength() >= req.Ctx.MaxLength():
		req.finish("length")
	default:
		return false
	}

	s.slots.ReleaseSlot(req.Ctx.CacheSlotID())
	s.removeRunning(req)
	return true
}

// failRequest terminates a request on a fatal error
func (s *Scheduler) failRequest(req *Request, err error) {
	slog.Error("terminating request", "request", req.ID, "error", err)
	req.Err = err
	req.finish("error")
	s.slots.ReleaseSlot(req.Ctx.CacheSlotID())
}

// removeRunning drops a request from the running queue, if present
func (s *Scheduler) removeRunning(req *Request) {
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Request) == req {
			s.running.Remove(elem)
			return
		}
	}
}
