package nanobatch

import "testing"

func TestSlotManagerCreation(t *testing.T) {
	m := NewSlotManager(100, 256)

	if len(m.pages) != 100 {
		t.Errorf("Expected 100 pages, got %d", len(m.pages))
	}

	if m.FreePages() != 100 {
		t.Errorf("Expected 100 free pages, got %d", m.FreePages())
	}
}

func TestSlotManagerAllocate(t *testing.T) {
	m := NewSlotManager(100, 256)

	tokens := make([]int, 300)
	for i := range tokens {
		tokens[i] = i
	}

	slot := m.AllocateSlot()

	if !m.CanAllocate(len(tokens)) {
		t.Fatalf("Should be able to allocate 300 tokens")
	}

	m.Allocate(slot, tokens)

	if got := len(m.slots[slot].pageTable); got != 2 {
		t.Errorf("Expected 2 pages allocated, got %d", got)
	}

	if m.FreePages() != 98 {
		t.Errorf("Expected 98 free pages after allocation, got %d", m.FreePages())
	}

	// The slot keeps its own history, not the caller's slice
	tokens[0] = 999
	if m.slots[slot].tokens[0] != 0 {
		t.Errorf("Slot history aliased caller memory")
	}
}

func TestSlotManagerRelease(t *testing.T) {
	m := NewSlotManager(100, 256)

	tokens := make([]int, 300)
	for i := range tokens {
		tokens[i] = i
	}

	slot := m.AllocateSlot()
	m.Allocate(slot, tokens)
	m.ReleaseSlot(slot)

	if m.FreePages() != 100 {
		t.Errorf("Expected 100 free pages after release, got %d", m.FreePages())
	}

	if _, ok := m.slots[slot]; ok {
		t.Errorf("Expected slot forgotten after release")
	}
}

func TestSlotManagerPrefixCaching(t *testing.T) {
	m := NewSlotManager(100, 256)

	tokens := make([]int, 256)
	for i := range tokens {
		tokens[i] = i
	}

	slot1 := m.AllocateSlot()
	m.Allocate(slot1, tokens)
	freeAfterFirst := m.FreePages()

	slot2 := m.AllocateSlot()
	m.Allocate(slot2, tokens)

	if m.CachedTokens(slot2) != 256 {
		t.Errorf("Expected slot2 to have 256 cached tokens, got %d", m.CachedTokens(slot2))
	}

	// The full page is shared via ref counting
	if m.FreePages() != freeAfterFirst {
		t.Errorf("Expected shared page, free pages went %d -> %d", freeAfterFirst, m.FreePages())
	}

	// Releasing one slot must keep the shared page alive
	m.ReleaseSlot(slot1)
	if m.FreePages() != freeAfterFirst {
		t.Errorf("Shared page freed while still referenced")
	}

	m.ReleaseSlot(slot2)
	if m.FreePages() != 100 {
		t.Errorf("Expected all pages free, got %d", m.FreePages())
	}
}

func TestSlotManagerCommitToken(t *testing.T) {
	m := NewSlotManager(100, 256)

	tokens := make([]int, 255)
	for i := range tokens {
		tokens[i] = i
	}

	slot := m.AllocateSlot()
	m.Allocate(slot, tokens)

	if got := len(m.slots[slot].pageTable); got != 1 {
		t.Fatalf("Expected 1 page, got %d", got)
	}

	// Filling the page publishes its hash on the next schedule
	m.CommitToken(slot, 255)
	m.MayAppend(slot)

	last := m.pages[m.slots[slot].pageTable[0]]
	if last.Hash == 0 {
		t.Errorf("Expected full page to be hashed")
	}

	// The next token's page is materialized at schedule time
	m.CommitToken(slot, 256)
	if !m.CanAppend(slot) {
		t.Fatalf("Expected append to be possible")
	}
	m.MayAppend(slot)

	if got := len(m.slots[slot].pageTable); got != 2 {
		t.Errorf("Expected 2 pages after crossing boundary, got %d", got)
	}
}

func TestSlotManagerCanAppendExhausted(t *testing.T) {
	m := NewSlotManager(1, 256)

	tokens := make([]int, 256)
	for i := range tokens {
		tokens[i] = i
	}

	slot := m.AllocateSlot()
	m.Allocate(slot, tokens)
	m.CommitToken(slot, 256)

	// The committed token needs a second page and none is free
	if m.CanAppend(slot) {
		t.Errorf("Expected append to be refused with no free pages")
	}
}

func TestSlotManagerEvict(t *testing.T) {
	m := NewSlotManager(100, 256)

	tokens := make([]int, 300)
	for i := range tokens {
		tokens[i] = i
	}

	slot := m.AllocateSlot()
	m.Allocate(slot, tokens)
	m.Evict(slot)

	if m.FreePages() != 100 {
		t.Errorf("Expected pages reclaimed on evict, got %d free", m.FreePages())
	}

	// The slot ID stays valid and can be re-allocated after re-encode
	if _, ok := m.slots[slot]; !ok {
		t.Fatalf("Expected slot to survive eviction")
	}

	m.Allocate(slot, tokens)
	if got := len(m.slots[slot].pageTable); got != 2 {
		t.Errorf("Expected 2 pages after re-allocation, got %d", got)
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	m := NewSlotManager(10, 256)

	tokens := []int{1, 2, 3, 4, 5}
	if m.ComputeHash(tokens, 0) != m.ComputeHash(tokens, 0) {
		t.Errorf("Hash should be deterministic")
	}

	other := []int{1, 2, 3, 4, 6}
	if m.ComputeHash(tokens, 0) == m.ComputeHash(other, 0) {
		t.Errorf("Different token IDs should produce different hashes")
	}

	if m.ComputeHash(tokens, 0) == m.ComputeHash(tokens, 42) {
		t.Errorf("Different prefix hashes should produce different hashes")
	}
}
