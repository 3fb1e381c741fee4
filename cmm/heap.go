package cmm

import (
	"sort"
	"unsafe"

	"github.com/prometheus/common/log"
	"golang.org/x/sys/unix"
)

// Heap is the protocol by which collectors share the page directory and
// cooperate on cross-heap references. Additional heaps implement it,
// embed HeapBase and register themselves with RegisterHeap; pages they
// obtain from AllocatePages are tagged with them as owner.
type Heap interface {
	// Base exposes the bookkeeping shared by all heaps.
	Base() *HeapBase
	// Alloc returns size bytes of storage from this heap.
	Alloc(size uintptr) uintptr
	// Reclaim releases an allocation; collected heaps may ignore it.
	Reclaim(p uintptr)
	// Collect runs a collection of this heap, when it has one.
	Collect()
	// Scavenge is invoked by traversal functions on every location
	// holding a pointer into a collected heap.
	Scavenge(loc *uintptr)
	// ScanRoots treats the contents of one of this heap's pages as
	// ambiguous roots for the collector that asked.
	ScanRoots(page Page)
	// Inside reports whether p points into storage owned by this heap.
	Inside(p uintptr) bool
}

// HeapBase carries the state common to every registered heap.
type HeapBase struct {
	ReservedPages int // pages reserved for this heap

	// Opaque controls whether collectors for other heaps may traverse
	// objects inside this heap.
	Opaque bool

	id int16
}

// Base returns the embedded bookkeeping, completing the Heap interface
// for types embedding HeapBase.
func (b *HeapBase) Base() *HeapBase { return b }

// heapInside reports whether p lies on a page owned by h.
func heapInside(h Heap, p uintptr) bool {
	page := PageOf(p)
	return !dir.outsideSpan(page) && dir.ownerOf(page) == h
}

// warnNotCollectable is the Collect of heaps without a collector.
func warnNotCollectable() {
	log.Warn("garbage collection requested on a non collectable heap")
}

// UncollectedHeap serves raw, untraced storage. It owns no pages in the
// page directory and is always opaque; its allocations come straight
// from the operating system and are recorded so that the heap-roots
// feature can scan them.
type UncollectedHeap struct {
	HeapBase

	regions map[uintptr][]byte // base -> mapping
	ranges  []heapRange        // sorted, for root scanning
}

type heapRange struct {
	start, end uintptr
}

func newUncollectedHeap() *UncollectedHeap {
	h := &UncollectedHeap{regions: make(map[uintptr][]byte)}
	h.Opaque = true
	h.id = uncollectedHeapID
	heapRegistry[uncollectedHeapID] = h
	return h
}

// Alloc returns size bytes of untraced zeroed storage.
func (h *UncollectedHeap) Alloc(size uintptr) uintptr {
	b, err := mmapBlock(int(size))
	if err != nil {
		fatalf("unable to allocate %d bytes: %v", size, err)
	}
	p := uintptr(unsafe.Pointer(&b[0]))
	h.regions[p] = b
	h.ranges = append(h.ranges, heapRange{p, p + size})
	sort.Slice(h.ranges, func(i, j int) bool { return h.ranges[i].start < h.ranges[j].start })
	return p
}

// Reclaim returns an allocation to the operating system.
func (h *UncollectedHeap) Reclaim(p uintptr) {
	b, ok := h.regions[p]
	if !ok {
		return
	}
	delete(h.regions, p)
	for i, r := range h.ranges {
		if r.start == p {
			h.ranges = append(h.ranges[:i], h.ranges[i+1:]...)
			break
		}
	}
	unix.Munmap(b)
}

func (h *UncollectedHeap) Collect() { warnNotCollectable() }

// Scavenge is a no-op: nothing inside this heap is relocated.
func (h *UncollectedHeap) Scavenge(loc *uintptr) {}

// ScanRoots promotes pages referred to by any word inside page.
func (h *UncollectedHeap) ScanRoots(page Page) {
	end := PageBase(page + 1)
	for ptr := PageBase(page); ptr < end; ptr += bytesPerWord {
		theDefaultHeap.promotePage(readWord(ptr))
	}
}

// Inside reports whether p lies in one of this heap's allocations.
func (h *UncollectedHeap) Inside(p uintptr) bool {
	for _, r := range h.ranges {
		if p >= r.start && p < r.end {
			return true
		}
	}
	return false
}

// forEachUntracedWord applies fn to the address of every word of the
// untraced heap, skipping pages owned by skip.
func (h *UncollectedHeap) forEachUntracedWord(skip Heap, fn func(addr uintptr)) {
	for _, r := range h.ranges {
		fp := r.start
		for fp < r.end {
			if heapInside(skip, fp) {
				fp += bytesPerPage // skip page
				continue
			}
			fn(fp)
			fp += bytesPerWord
		}
	}
}
