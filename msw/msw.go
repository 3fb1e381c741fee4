// Package msw implements a mark-and-sweep heap that cooperates with the
// copying collector through the shared page directory. Storage is served
// from fixed-size allocation classes backed by single pages, and from
// multi-page chunks for larger requests. Objects never move; liveness is
// established by a conservative mark phase over the ambiguous root set
// and the reachable object graph inside this heap.
//
// The heap is opaque: the copying collector does not traverse its
// objects, it treats their contents as roots through ScanRoots. In the
// other direction, pointers from here into the copying heap keep their
// target pages promoted.
package msw

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/prometheus/common/log"

	"github.com/Unipisa/CMM/cmm"
)

const (
	ptrAlign = 8

	// Requests above maxFixedSize go to chunk allocation.
	maxFixedSize = cmm.BytesPerPage/2 - 16

	// Unused: newFixedPage fetches a single page from the directory per
	// refill.
	pagesRequest = 10
)

// pageHeader sits at the start of every page owned by this heap.
type pageHeader struct {
	objSize   uintptr // object size for fixed pages, 0 for chunk heads
	nPages    uintptr // pages in the chunk, 1 for fixed pages
	liveObjs  uintptr // allocated objects on a fixed page
	freeList  uintptr // first free object, threaded through first words
	nextPage  uintptr // next page with free objects of this size, 0 at end
	tempScope uintptr // temporary-heap scope depth, 0 for permanent
}

// firstObjOffset is where objects start on a fixed page.
var firstObjOffset = (unsafe.Sizeof(pageHeader{}) + ptrAlign - 1) &^ (ptrAlign - 1)

func header(page cmm.Page) *pageHeader {
	return (*pageHeader)(unsafe.Pointer(cmm.PageBase(page)))
}

// Heap is the mark-and-sweep companion heap.
type Heap struct {
	cmm.HeapBase

	// availPages[size/ptrAlign] heads the list of pages of that class
	// with free objects.
	availPages [maxFixedSize/ptrAlign + 1]uintptr

	freeChunks []cmm.Page // chunk heads available for reuse

	heapBytes      int // bytes backing this heap
	allocatedBytes int // bytes handed out since the last collection

	tempDepth uintptr // current temporary-heap scope, 0 when none

	markStack []uintptr
}

// New creates the companion heap and registers it with the page
// directory.
func New() *Heap {
	cmm.Init()
	h := &Heap{}
	h.Opaque = true
	cmm.RegisterHeap(h)
	return h
}

func roundUp(n, b uintptr) uintptr { return (n + b - 1) &^ (b - 1) }

// threadFreeList carves a page into objects of the given size on the
// class stride and threads them all, last to first, through their first
// words. It returns the list head.
func threadFreeList(pageBase, size uintptr) uintptr {
	start := pageBase + firstObjOffset
	count := (cmm.BytesPerPage - firstObjOffset) / size
	var free uintptr
	for i := int(count) - 1; i >= 0; i-- {
		obj := start + uintptr(i)*size
		writeWord(obj, free)
		free = obj
	}
	return free
}

// Alloc returns size bytes of storage that will never move.
func (h *Heap) Alloc(size uintptr) uintptr {
	if size == 0 {
		size = ptrAlign
	}
	size = roundUp(size, ptrAlign)
	if size > maxFixedSize {
		return h.allocChunk(size)
	}

	cls := size / ptrAlign
	page := h.availPages[cls]
	if page == 0 {
		h.maybeCollect(size)
		page = h.availPages[cls]
		if page == 0 {
			page = h.newFixedPage(size)
		}
	}
	hdr := header(cmm.Page(page))
	obj := hdr.freeList
	hdr.freeList = readWord(obj)
	hdr.liveObjs++
	if hdr.freeList == 0 {
		// Page is full; drop it from the avail list.
		h.availPages[cls] = hdr.nextPage
		hdr.nextPage = 0
	}
	clearWords(obj, size/ptrAlign)
	cmm.SetObjectStart(obj)
	h.allocatedBytes += int(size)
	return obj
}

// newFixedPage carves a fresh page into objects of the given size and
// threads them on the page's free list.
func (h *Heap) newFixedPage(size uintptr) uintptr {
	base := cmm.AllocatePages(1, h)
	h.heapBytes += cmm.BytesPerPage
	page := cmm.PageOf(base)
	hdr := header(page)
	*hdr = pageHeader{objSize: size, nPages: 1, tempScope: h.tempDepth}

	hdr.freeList = threadFreeList(base, size)
	cls := size / ptrAlign
	hdr.nextPage = h.availPages[cls]
	h.availPages[cls] = uintptr(page)
	return uintptr(page)
}

// allocChunk serves a request larger than the fixed classes from a run
// of contiguous pages, reusing a released chunk when one fits.
func (h *Heap) allocChunk(size uintptr) uintptr {
	nPages := int((firstObjOffset + size + cmm.BytesPerPage - 1) / cmm.BytesPerPage)

	for i, head := range h.freeChunks {
		if int(header(head).nPages) >= nPages {
			h.freeChunks = append(h.freeChunks[:i], h.freeChunks[i+1:]...)
			hdr := header(head)
			hdr.objSize = 0
			hdr.liveObjs = 1
			hdr.tempScope = h.tempDepth
			obj := cmm.PageBase(head) + firstObjOffset
			clearWords(obj, size/ptrAlign)
			cmm.SetObjectStart(obj)
			h.allocatedBytes += int(size)
			return obj
		}
	}

	h.maybeCollect(size)
	base := cmm.AllocatePages(nPages, h)
	h.heapBytes += nPages * cmm.BytesPerPage
	page := cmm.PageOf(base)
	hdr := header(page)
	*hdr = pageHeader{nPages: uintptr(nPages), liveObjs: 1, tempScope: h.tempDepth}
	cmm.SetObjectStart(base + firstObjOffset)
	h.allocatedBytes += int(size)
	return base + firstObjOffset
}

// maybeCollect runs a collection when the heap has grown past the
// configured threshold and most of it has been handed out since the
// last one.
func (h *Heap) maybeCollect(need uintptr) {
	if h.heapBytes < cmm.Configured().GCThreshold {
		return
	}
	if h.allocatedBytes*2 < h.heapBytes {
		return
	}
	h.Collect()
}

// Reclaim returns an allocation to its page's free list, or the whole
// chunk to the free-chunk set.
func (h *Heap) Reclaim(p uintptr) {
	page := cmm.PageOf(p)
	if cmm.Owner(page) != cmm.Heap(h) {
		return
	}
	head := h.chunkHead(page)
	hdr := header(head)
	if hdr.objSize == 0 {
		hdr.liveObjs = 0
		cmm.ClearObjectStart(cmm.PageBase(head) + firstObjOffset)
		h.freeChunks = append(h.freeChunks, head)
		return
	}
	cmm.ClearObjectStart(p)
	writeWord(p, hdr.freeList)
	wasFull := hdr.freeList == 0
	hdr.freeList = p
	if hdr.liveObjs > 0 {
		hdr.liveObjs--
	}
	if wasFull {
		cls := hdr.objSize / ptrAlign
		hdr.nextPage = h.availPages[cls]
		h.availPages[cls] = uintptr(head)
	}
}

// chunkHead resolves a page to the head of its chunk through the page
// directory's group encoding. Fixed pages are their own head.
func (h *Heap) chunkHead(page cmm.Page) cmm.Page {
	return cmm.GroupHead(page)
}

// objectBase maps an interior pointer to the base of the allocation
// containing it, or 0 when p does not address an allocated object.
func (h *Heap) objectBase(p uintptr) uintptr {
	page := h.chunkHead(cmm.PageOf(p))
	hdr := header(page)
	base := cmm.PageBase(page) + firstObjOffset
	if p < base {
		return 0
	}
	if hdr.objSize == 0 { // chunk
		if hdr.liveObjs == 0 {
			return 0
		}
		return base
	}
	slot := (p - base) / hdr.objSize
	if slot >= (cmm.BytesPerPage-firstObjOffset)/hdr.objSize {
		return 0 // points into the partial tail past the last slot
	}
	return base + slot*hdr.objSize
}

// Collect marks everything reachable from the ambiguous roots and from
// marked objects, then sweeps unmarked objects back onto the free lists.
func (h *Heap) Collect() {
	if cmm.Configured().Verbose&cmm.Stats != 0 {
		log.Infof("msw collecting - %d bytes allocated", h.allocatedBytes)
	}
	cmm.ClearLivePages(h)

	h.markStack = h.markStack[:0]
	cmm.ForEachAmbiguousRoot(func(w uintptr) { h.markWord(w) })
	// The copying heap is opaque to us as we are to it: treat the words
	// of its pages as further roots.
	h.markFromHeap(cmm.Default())
	for len(h.markStack) > 0 {
		obj := h.markStack[len(h.markStack)-1]
		h.markStack = h.markStack[:len(h.markStack)-1]
		h.scanObject(obj)
	}

	h.sweep()
	h.allocatedBytes = 0
}

// markFromHeap scans every page owned by another heap for candidate
// pointers into this one.
func (h *Heap) markFromHeap(other cmm.Heap) {
	first, last := cmm.HeapSpan()
	for page := first; page <= last; page++ {
		if cmm.Owner(page) != other {
			continue
		}
		end := cmm.PageBase(page + 1)
		for ptr := cmm.PageBase(page); ptr < end; ptr += cmm.BytesPerWord {
			h.markWord(readWord(ptr))
		}
	}
}

// markWord treats w as a candidate pointer into this heap.
func (h *Heap) markWord(w uintptr) {
	if cmm.Owner(cmm.PageOf(w)) != cmm.Heap(h) {
		return
	}
	obj := h.objectBase(w)
	if obj == 0 || !cmm.IsObjectStart(obj) || cmm.IsLive(obj) {
		return
	}
	cmm.MarkLive(obj)
	h.markStack = append(h.markStack, obj)
}

// scanObject conservatively scans the words of a marked object for
// further pointers into this heap.
func (h *Heap) scanObject(obj uintptr) {
	head := h.chunkHead(cmm.PageOf(obj))
	hdr := header(head)
	size := hdr.objSize
	if size == 0 {
		size = hdr.nPages*cmm.BytesPerPage - firstObjOffset
	}
	for off := uintptr(0); off < size; off += cmm.BytesPerWord {
		h.markWord(readWord(obj + off))
	}
}

// sweep rebuilds the free lists from the mark results.
func (h *Heap) sweep() {
	for i := range h.availPages {
		h.availPages[i] = 0
	}
	h.forEachOwnedHead(func(page cmm.Page) {
		hdr := header(page)
		if hdr.objSize == 0 {
			base := cmm.PageBase(page) + firstObjOffset
			if hdr.liveObjs != 0 && !cmm.IsLive(base) {
				hdr.liveObjs = 0
				cmm.ClearObjectStart(base)
				h.freeChunks = append(h.freeChunks, page)
			}
			return
		}
		h.sweepFixedPage(page)
	})
}

func (h *Heap) sweepFixedPage(page cmm.Page) {
	hdr := header(page)
	start := cmm.PageBase(page) + firstObjOffset
	count := (cmm.BytesPerPage - firstObjOffset) / hdr.objSize

	var free uintptr
	live := uintptr(0)
	for i := int(count) - 1; i >= 0; i-- {
		obj := start + uintptr(i)*hdr.objSize
		if cmm.IsLive(obj) {
			live++
			continue
		}
		cmm.ClearObjectStart(obj)
		writeWord(obj, free)
		free = obj
	}
	hdr.freeList = free
	hdr.liveObjs = live
	hdr.nextPage = 0
	// Pages from another temporary scope must not serve the current one.
	if free != 0 && hdr.tempScope == h.tempDepth {
		cls := hdr.objSize / ptrAlign
		hdr.nextPage = h.availPages[cls]
		h.availPages[cls] = uintptr(page)
	}
}

// forEachOwnedHead visits every fixed page and chunk head of this heap.
func (h *Heap) forEachOwnedHead(fn func(page cmm.Page)) {
	page := cmm.Page(0)
	for {
		page = h.nextOwnedPage(page)
		if page == 0 {
			return
		}
		n := header(page).nPages
		fn(page)
		if n > 1 {
			page += cmm.Page(n - 1)
		}
	}
}

// nextOwnedPage returns the first page after prev owned by this heap
// within the directory span, or 0 when there is none.
func (h *Heap) nextOwnedPage(prev cmm.Page) cmm.Page {
	first, last := cmm.HeapSpan()
	page := prev + 1
	if page < first {
		page = first
	}
	for ; page <= last; page++ {
		if cmm.Owner(page) == cmm.Heap(h) {
			return page
		}
	}
	return 0
}

// Scavenge is a no-op: objects in this heap never move.
func (h *Heap) Scavenge(loc *uintptr) {}

// ScanRoots hands the contents of one of this heap's pages to the
// copying collector as ambiguous roots.
func (h *Heap) ScanRoots(page cmm.Page) {
	end := cmm.PageBase(page + 1)
	for ptr := cmm.PageBase(page); ptr < end; ptr += cmm.BytesPerWord {
		cmm.PromotePage(readWord(ptr))
	}
}

// Inside reports whether p lies on one of this heap's pages.
func (h *Heap) Inside(p uintptr) bool {
	return cmm.Owner(cmm.PageOf(p)) == cmm.Heap(h)
}

// Temporary heaps. Allocations between TempStart and TempEnd are tagged
// with the scope depth; TempFree releases every open scope wholesale.
// Scopes nest; they must not interleave with scopes of other heaps.

// ErrNoTempScope is returned when TempEnd is called without a matching
// TempStart.
var ErrNoTempScope = errors.New("no temporary heap scope is open")

// ErrScopeConflict is returned when a temporary scope would interleave
// with an open scope of another heap.
var ErrScopeConflict = errors.New("temporary heap scope already open on another heap")

// scopeOwner is the heap holding open temporary scopes; scopes nest
// within one heap but must not interleave across heaps.
var scopeOwner *Heap

// TempStart opens a temporary-heap scope: subsequent allocations are
// released together at the matching TempEnd.
func (h *Heap) TempStart() error {
	if scopeOwner != nil && scopeOwner != h {
		return ErrScopeConflict
	}
	scopeOwner = h
	h.tempDepth++
	// Allocation classes must not mix scopes on one page.
	for i := range h.availPages {
		h.availPages[i] = 0
	}
	return nil
}

// TempEnd closes the innermost scope and releases its allocations.
func (h *Heap) TempEnd() error {
	if h.tempDepth == 0 {
		return ErrNoTempScope
	}
	h.releaseScope(h.tempDepth)
	h.tempDepth--
	if h.tempDepth == 0 {
		scopeOwner = nil
	}
	h.rebuildAvail()
	return nil
}

// TempFree releases every open temporary scope.
func (h *Heap) TempFree() {
	for h.tempDepth > 0 {
		h.releaseScope(h.tempDepth)
		h.tempDepth--
	}
	scopeOwner = nil
	h.rebuildAvail()
}

func (h *Heap) releaseScope(depth uintptr) {
	h.forEachOwnedHead(func(page cmm.Page) {
		hdr := header(page)
		if hdr.tempScope != depth {
			return
		}
		if hdr.objSize == 0 {
			hdr.liveObjs = 0
			cmm.ClearObjectMap(page, int(hdr.nPages))
			h.freeChunks = append(h.freeChunks, page)
			return
		}
		// Rebuild the whole page as free.
		size := hdr.objSize
		*hdr = pageHeader{objSize: size, nPages: 1}
		cmm.ClearObjectMap(page, 1)
		hdr.freeList = threadFreeList(cmm.PageBase(page), size)
	})
}

// rebuildAvail reconstitutes the per-class available page lists for the
// current scope.
func (h *Heap) rebuildAvail() {
	for i := range h.availPages {
		h.availPages[i] = 0
	}
	h.forEachOwnedHead(func(page cmm.Page) {
		hdr := header(page)
		if hdr.objSize == 0 || hdr.tempScope != h.tempDepth || hdr.freeList == 0 {
			return
		}
		cls := hdr.objSize / ptrAlign
		hdr.nextPage = h.availPages[cls]
		h.availPages[cls] = uintptr(page)
	})
}

// CheckHeap verifies the free lists and page headers, aborting on the
// first inconsistency.
func (h *Heap) CheckHeap() error {
	var err error
	h.forEachOwnedHead(func(page cmm.Page) {
		if err != nil {
			return
		}
		hdr := header(page)
		if hdr.objSize == 0 {
			if hdr.nPages == 0 {
				err = errors.Errorf("chunk head at page 0x%x has no page count", page)
			}
			return
		}
		count := uintptr(0)
		for obj := hdr.freeList; obj != 0; obj = readWord(obj) {
			if cmm.PageOf(obj) != page {
				err = errors.Errorf("free object 0x%x escaped its page", obj)
				return
			}
			if count++; count > cmm.BytesPerPage/hdr.objSize {
				err = errors.Errorf("free list cycle on page 0x%x", page)
				return
			}
		}
	})
	return err
}

// ShowInfo logs a summary of the heap's pages.
func (h *Heap) ShowInfo() {
	fixed, chunks := 0, 0
	h.forEachOwnedHead(func(page cmm.Page) {
		if header(page).objSize == 0 {
			chunks++
		} else {
			fixed++
		}
	})
	log.Infof("msw heap: %d bytes, %d fixed pages, %d chunks, %d free chunks",
		h.heapBytes, fixed, chunks, len(h.freeChunks))
}

func readWord(addr uintptr) uintptr { return *(*uintptr)(unsafe.Pointer(addr)) }

func writeWord(addr, val uintptr) { *(*uintptr)(unsafe.Pointer(addr)) = val }

func clearWords(addr, words uintptr) {
	for i := uintptr(0); i < words; i++ {
		writeWord(addr+i*cmm.BytesPerWord, 0)
	}
}
