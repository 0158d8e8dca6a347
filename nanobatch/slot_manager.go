package nanobatch

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Page represents one KV cache page
type Page struct {
	PageID   int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

// NewPage creates a new page
func NewPage(pageID int) *Page {
	return &Page{
		PageID:   pageID,
		RefCount: 0,
		Hash:     0,
		TokenIDs: make([]int, 0),
	}
}

// Update updates the page's hash and token IDs
func (p *Page) Update(hash uint64, tokenIDs []int) {
	p.Hash = hash
	p.TokenIDs = make([]int, len(tokenIDs))
	copy(p.TokenIDs, tokenIDs)
}

// Reset resets the page for reuse
func (p *Page) Reset() {
	p.RefCount = 1
	p.Hash = 0
	p.TokenIDs = make([]int, 0)
}

// slotMeta is the per-slot bookkeeping: the page table and the committed
// token history that backs page hashing. The slot keeps its own copy of the
// tokens; the context's buffer is not consulted outside its active window.
type slotMeta struct {
	pageTable    []int
	tokens       []int
	cachedTokens int
}

// SlotManager owns the KV cache slots. It issues the opaque slot IDs carried
// by contexts, maps each slot to ref-counted pages with prefix caching, and
// reclaims pages on eviction. The contexts themselves never see any of this.
type SlotManager struct {
	pageSize     int
	pages        []*Page
	hashToPageID map[uint64]int
	freePageIDs  []int
	usedPageIDs  map[int]bool
	slots        map[int]*slotMeta
	nextSlotID   int
}

// NewSlotManager creates a slot manager over numPages pages
func NewSlotManager(numPages, pageSize int) *SlotManager {
	pages := make([]*Page, numPages)
	for i := 0; i < numPages; i++ {
		pages[i] = NewPage(i)
	}

	freePageIDs := make([]int, numPages)
	for i := 0; i < numPages; i++ {
		freePageIDs[i] = i
	}

	return &SlotManager{
		pageSize:     pageSize,
		pages:        pages,
		hashToPageID: make(map[uint64]int),
		freePageIDs:  freePageIDs,
		usedPageIDs:  make(map[int]bool),
		slots:        make(map[int]*slotMeta),
	}
}

// ComputeHash computes the hash of token IDs chained onto an optional prefix
// hash, so equal pages are only shared when their full prefix also matches.
func (m *SlotManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()

	if prefixHash != 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}

	for _, tokenID := range tokenIDs {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(tokenID))
		h.Write(buf)
	}

	return h.Sum64()
}

// AllocateSlot issues a fresh cache slot ID for a new sequence. Pages are not
// reserved until Allocate.
func (m *SlotManager) AllocateSlot() int {
	slotID := m.nextSlotID
	m.nextSlotID++
	m.slots[slotID] = &slotMeta{}
	return slotID
}

// ReleaseSlot frees the slot's pages and forgets the slot. Called when a
// request completes or is cancelled.
func (m *SlotManager) ReleaseSlot(slotID int) {
	m.freeSlotPages(slotID)
	delete(m.slots, slotID)
}

// HasPages reports whether the slot currently holds pages
func (m *SlotManager) HasPages(slotID int) bool {
	s, ok := m.slots[slotID]
	return ok && len(s.pageTable) > 0
}

// CachedTokens returns how many of the slot's tokens were served from the
// prefix cache at allocation time
func (m *SlotManager) CachedTokens(slotID int) int {
	s, ok := m.slots[slotID]
	if !ok {
		return 0
	}
	return s.cachedTokens
}

// numPagesFor returns the number of pages needed for n tokens
func (m *SlotManager) numPagesFor(n int) int {
	return (n + m.pageSize - 1) / m.pageSize
}

// pageTokens returns the i-th page worth of the given token history
func (m *SlotManager) pageTokens(tokens []int, i int) []int {
	start := i * m.pageSize
	end := min((i+1)*m.pageSize, len(tokens))
	return tokens[start:end]
}

// allocatePage takes a specific page off the free list
func (m *SlotManager) allocatePage(pageID int) *Page {
	page := m.pages[pageID]
	if page.RefCount != 0 {
		panic("page is already allocated")
	}

	page.Reset()

	for i, id := range m.freePageIDs {
		if id == pageID {
			m.freePageIDs = append(m.freePageIDs[:i], m.freePageIDs[i+1:]...)
			break
		}
	}

	m.usedPageIDs[pageID] = true
	return page
}

// deallocatePage returns a page to the free list
func (m *SlotManager) deallocatePage(pageID int) {
	page := m.pages[pageID]
	if page.RefCount != 0 {
		panic("page still has references")
	}

	delete(m.usedPageIDs, pageID)
	m.freePageIDs = append(m.freePageIDs, pageID)
}

// CanAllocate checks if there are enough free pages for a sequence of
// numTokens committed tokens
func (m *SlotManager) CanAllocate(numTokens int) bool {
	return len(m.freePageIDs) >= m.numPagesFor(numTokens)
}

// Allocate reserves pages for the slot's initial token history, reusing
// prefix-cached pages where the hash chain matches. The tokens are copied
// into the slot's own history.
func (m *SlotManager) Allocate(slotID int, tokens []int) {
	s, ok := m.slots[slotID]
	if !ok {
		panic("allocate on unknown slot")
	}
	if len(s.pageTable) > 0 {
		panic("slot already has pages allocated")
	}

	s.tokens = make([]int, len(tokens))
	copy(s.tokens, tokens)

	var h uint64
	cacheMiss := false

	for i := 0; i < m.numPagesFor(len(s.tokens)); i++ {
		tokenIDs := m.pageTokens(s.tokens, i)

		// Only full pages participate in prefix caching
		if len(tokenIDs) == m.pageSize {
			h = m.ComputeHash(tokenIDs, h)
		} else {
			h = 0
		}

		pageID := -1
		if h != 0 {
			if id, ok := m.hashToPageID[h]; ok && tokensEqual(m.pages[id].TokenIDs, tokenIDs) {
				pageID = id
			}
		}

		if pageID == -1 {
			cacheMiss = true
		}

		if cacheMiss {
			pageID = m.freePageIDs[0]
			m.allocatePage(pageID)
		} else {
			s.cachedTokens += m.pageSize
			if m.usedPageIDs[pageID] {
				m.pages[pageID].RefCount++
			} else {
				m.allocatePage(pageID)
			}
		}

		if h != 0 {
			m.pages[pageID].Update(h, tokenIDs)
			m.hashToPageID[h] = pageID
		}

		s.pageTable = append(s.pageTable, pageID)
	}
}

// CommitToken appends a generated token to the slot's history. The page
// backing it is materialized by MayAppend at the schedule of the pass that
// consumes the token, since that is when its KV projection gets written.
func (m *SlotManager) CommitToken(slotID, token int) {
	s, ok := m.slots[slotID]
	if !ok {
		panic("commit on unknown slot")
	}
	s.tokens = append(s.tokens, token)
}

// CanAppend checks whether the slot can back a further decode pass, i.e.
// whether pages can be materialized for every committed token.
func (m *SlotManager) CanAppend(slotID int) bool {
	s := m.slots[slotID]
	return len(m.freePageIDs) >= m.numPagesFor(len(s.tokens))-len(s.pageTable)
}

// MayAppend prepares the slot for the next decode pass: pages are allocated
// for committed tokens that crossed a page boundary (several at once after
// jump-aheads), and pages that filled up are hashed into the prefix cache.
func (m *SlotManager) MayAppend(slotID int) {
	s, ok := m.slots[slotID]
	if !ok {
		panic("append on unknown slot")
	}

	for len(s.pageTable) < m.numPagesFor(len(s.tokens)) {
		pageID := m.freePageIDs[0]
		m.allocatePage(pageID)
		s.pageTable = append(s.pageTable, pageID)
	}

	for i, pageID := range s.pageTable {
		page := m.pages[pageID]
		if page.Hash != 0 {
			continue
		}
		if (i+1)*m.pageSize > len(s.tokens) {
			// Only the last page may be partial
			break
		}

		var prefixHash uint64
		if i > 0 {
			prefixHash = m.pages[s.pageTable[i-1]].Hash
		}

		h := m.ComputeHash(s.tokens[i*m.pageSize:(i+1)*m.pageSize], prefixHash)
		page.Update(h, s.tokens[i*m.pageSize:(i+1)*m.pageSize])
		m.hashToPageID[h] = pageID
	}
}

// Evict reclaims the slot's pages but keeps the slot ID valid. The owning
// context must be Reset so its full history is re-encoded on the next pass.
func (m *SlotManager) Evict(slotID int) {
	m.freeSlotPages(slotID)
}

// freeSlotPages drops page references in reverse order and clears the slot's
// history
func (m *SlotManager) freeSlotPages(slotID int) {
	s, ok := m.slots[slotID]
	if !ok {
		return
	}

	for i := len(s.pageTable) - 1; i >= 0; i-- {
		pageID := s.pageTable[i]
		page := m.pages[pageID]
		page.RefCount--
		if page.RefCount == 0 {
			m.deallocatePage(pageID)
		}
	}

	s.cachedTokens = 0
	s.tokens = nil
	s.pageTable = s.pageTable[:0]
}

// FreePages returns the number of free pages
func (m *SlotManager) FreePages() int {
	return len(m.freePageIDs)
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
