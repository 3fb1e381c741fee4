package cmm

import (
	"github.com/prometheus/common/log"
)

// DefaultHeap is the mostly-copying generational collector. Allocation
// bumps a pointer within the current page; collection promotes pages
// referred to by ambiguous roots in place and copies everything else
// reachable into the stable set.
type DefaultHeap struct {
	HeapBase

	usedPages   int // pages in actual use
	stablePages int // pages in the stable set

	firstUnusedPage   Page // where to start looking for unused pages
	firstReservedPage Page // first page used by this heap
	lastReservedPage  Page // last page used by this heap

	firstFreeWord uintptr // first free word on the current page, 0 when none
	freeWords     uintptr // words left on the current page

	queueHead Page // stable-set queue
	queueTail Page

	fromSpace int32 // space tag of FromSpace
	nextSpace int32 // normally fromSpace; stableSpace within Collect

	// Scan cursor, so that Scavenge can tell when its target lies ahead
	// of the sweep in the page currently being scanned.
	scanPage Page
	scanPtr  uintptr

	// Foreign pages already treated as root sources this collection.
	scannedForeign map[Page]bool

	scavengeCount int // objects moved in the current collection
}

func newDefaultHeap() *DefaultHeap {
	h := &DefaultHeap{
		fromSpace: unallocatedSpace + 1,
	}
	h.nextSpace = h.fromSpace
	h.firstUnusedPage = dir.firstHeapPage
	h.firstReservedPage = dir.firstHeapPage
	h.lastReservedPage = dir.firstHeapPage
	RegisterHeap(h)
	return h
}

func (h *DefaultHeap) inFromSpace(page Page) bool { return dir.spaceOf(page) == h.fromSpace }

func (h *DefaultHeap) inStableSpace(page Page) bool { return dir.spaceOf(page) == stableSpace }

func (h *DefaultHeap) inFreeSpace(page Page) bool {
	s := dir.spaceOf(page)
	return unallocatedSpace <= s && s < h.fromSpace
}

// heapPercent expresses a page count as a percentage of the pages
// available to this heap.
func heapPercent(pages int) int {
	return pages * 100 / (theDefaultHeap.ReservedPages + dir.freePages)
}

// Reclaim does nothing: dead objects are reclaimed wholesale when their
// page's space tag falls behind.
func (h *DefaultHeap) Reclaim(p uintptr) {}

// Inside reports whether p lies on one of this heap's pages.
func (h *DefaultHeap) Inside(p uintptr) bool { return heapInside(h, p) }

// ScanRoots promotes pages referred to by any word inside page.
func (h *DefaultHeap) ScanRoots(page Page) {
	end := PageBase(page + 1)
	for ptr := PageBase(page); ptr < end; ptr += bytesPerWord {
		h.promotePage(readWord(ptr))
	}
}

// closeCurrentPage fills the rest of the current page so that no more
// objects are allocated there and linear sweeps step over the tail.
func (h *DefaultHeap) closeCurrentPage() {
	if h.freeWords != 0 {
		writeFiller(h.firstFreeWord, h.freeWords)
		h.freeWords = 0
	}
}

// Collections are triggered before allocating when the projected used
// pages exceed twice the projected pages left; the guess is that a
// collection will reduce FromSpace to under half.
const used2freeRatio = 2

// getPages establishes a fresh current page run of the requested size,
// collecting and growing the heap as needed.
func (h *DefaultHeap) getPages(pages int) {
	if h.nextSpace != stableSpace && // not within move()
		h.usedPages+pages > used2freeRatio*(dir.freePages+h.ReservedPages-h.usedPages-pages) {
		h.Collect()
	}

	h.closeCurrentPage()

	var firstPage Page
	found := false
	if h.ReservedPages-h.usedPages > h.ReservedPages/16 {
		// Look for a free run among the pages already reserved for this
		// heap; when only a few are left dispersed through the heap the
		// search is not worth it.
		free := 0
		firstPage = h.firstUnusedPage
		for allPages := int(h.lastReservedPage - h.firstReservedPage); allPages > 0; allPages-- {
			if dir.ownerOf(h.firstUnusedPage) == Heap(h) && h.inFreeSpace(h.firstUnusedPage) {
				free++
				if free == pages {
					h.firstFreeWord = PageBase(firstPage)
					found = true
					break
				}
			} else {
				free = 0
				firstPage = h.firstUnusedPage + 1
			}
			if h.firstUnusedPage == h.lastReservedPage {
				h.firstUnusedPage = h.firstReservedPage
				firstPage = h.firstReservedPage
				free = 0
			} else {
				h.firstUnusedPage++
			}
		}
	}
	if !found {
		reserved := max(8, pages) // get a bunch of them
		h.firstFreeWord = AllocatePages(reserved, h)
		firstPage = PageOf(h.firstFreeWord)
		h.firstUnusedPage = firstPage
		last := firstPage + Page(reserved) - 1
		if last > h.lastReservedPage {
			h.lastReservedPage = last
		}
		for i := pages; i < reserved; i++ {
			dir.setSpace(firstPage+Page(i), unallocatedSpace)
		}
	}

	memclr(h.firstFreeWord, uintptr(pages)*bytesPerPage)
	h.freeWords = uintptr(pages) * wordsPerPage
	h.usedPages += pages
	dir.clearObjectMapPages(firstPage, pages)
	// A run starting inside a dead group leaves that group's old head
	// claiming pages it no longer covers; cut the head short.
	if g := dir.groupOf(firstPage); g < 0 {
		if head := firstPage + Page(g); dir.groupOf(head) > -g {
			dir.setGroup(head, -g)
		}
	}
	dir.setSpace(firstPage, h.nextSpace)
	dir.setGroup(firstPage, int32(pages))
	g := int32(-1)
	for p := 1; p < pages; p++ {
		dir.setSpace(firstPage+Page(p), h.nextSpace)
		dir.setGroup(firstPage+Page(p), g)
		g--
	}
}

// Alloc returns storage for an object of size bytes. The object-start
// bit is set and the header written; pointer slots are zeroed.
func (h *DefaultHeap) Alloc(size uintptr) uintptr {
	Init()
	words := bytesToWords(size)

	var object uintptr
	switch {
	case words <= h.freeWords:
		object = writeObjectHeader(h.firstFreeWord, words)
		h.freeWords -= words
		h.firstFreeWord += words * bytesPerWord

	case words < maxSizePerPage:
		// Fits in one page with room left over.
		h.getPages(1)
		object = writeObjectHeader(h.firstFreeWord, words)
		h.freeWords -= words
		h.firstFreeWord += words * bytesPerWord

	case words > maxHeaderWords:
		fatalf("unable to allocate objects larger than %d bytes",
			maxHeaderWords*bytesPerWord-headerWords*bytesPerWord)

	default:
		// One page or more: the object starts at the beginning of a
		// fresh run and nothing is ever allocated in the run's tail.
		pages := int((words + wordsPerPage - 1) / wordsPerPage)
		h.getPages(pages)
		object = writeObjectHeader(h.firstFreeWord, words)
		h.freeWords = 0
		h.firstFreeWord = 0
	}
	dir.setObjectMap(object)
	return object
}

// queue appends a page to the stable-set queue. Every page in
// StableSpace appears in the queue exactly once.
func (h *DefaultHeap) queue(page Page) {
	if h.queueHead != 0 {
		dir.setLink(h.queueTail, page)
	} else {
		h.queueHead = page
	}
	dir.setLink(page, 0)
	h.queueTail = page
}

// promotePage moves the page containing cp, and the whole group when cp
// lands on a continuation page, from FromSpace to the stable set without
// copying its objects. cp is an ambiguous root candidate; anything not
// owned by this heap is left alone.
func (h *DefaultHeap) promotePage(cp uintptr) {
	page := PageOf(cp)
	if dir.outsideSpan(page) || dir.ownerOf(page) != Heap(h) {
		return
	}
	bp := BasePointer(cp)
	if bp == 0 {
		return
	}
	page = PageOf(bp)
	// bp may fall out of the heap when cp points below the first object
	// of the first page.
	if dir.outsideHeaps(page) {
		return
	}
	dir.markLive(bp)
	if !h.inFromSpace(page) {
		return
	}
	pages := dir.groupOf(page)
	if pages < 0 {
		page += Page(pages)
		pages = dir.groupOf(page)
	}
	if whenVerbose(DebugLog) {
		log.Debugf("promoted 0x%x", PageBase(page))
	}
	h.queue(page)
	h.usedPages += int(pages) // now counted in the stable set
	h.stablePages += int(pages)
	for ; pages > 0; pages-- {
		dir.setSpace(page, stableSpace)
		page++
	}
}

// PromotePage promotes the default-heap page containing cp, if any.
func PromotePage(cp uintptr) {
	Init()
	theDefaultHeap.promotePage(cp)
}

// promoteRoot routes one ambiguous root word: pages of this heap are
// promoted, pages of other registered heaps are handed to their owner to
// scan as a root source.
func (h *DefaultHeap) promoteRoot(w uintptr) {
	page := PageOf(w)
	if dir.outsideSpan(page) {
		return
	}
	owner := dir.ownerOf(page)
	switch owner {
	case nil, Heap(h):
		h.promotePage(w)
	case Heap(theUncollectedHeap):
		// Gap filler pages; nothing to scan.
	default:
		if h.scannedForeign[page] {
			return
		}
		h.scannedForeign[page] = true
		owner.ScanRoots(page)
	}
}

// move copies an object out of FromSpace into the current stable
// destination page and leaves a forwarding address behind. Objects of a
// page or more are promoted in place instead, so that collection never
// expands the heap for copy space.
func (h *DefaultHeap) move(cp uintptr) uintptr {
	if whenFlags(TstObj) {
		verifyObject(cp, true)
		verifyHeader(cp)
	}

	if forwarded(cp) {
		np := forwardAddr(cp)
		if whenFlags(TstObj) {
			verifyObject(np, false)
			verifyHeader(np)
		}
		return np
	}

	words := objectWords(cp)
	if words >= h.freeWords {
		if words >= maxSizePerPage {
			h.promotePage(cp)
			return cp
		}
		// Discard any partial destination page and open a fresh one.
		// nextSpace is stableSpace here, so getPages cannot recurse into
		// a collection.
		h.getPages(1)
		if whenVerbose(DebugLog) {
			log.Debugf("queued 0x%x", h.firstFreeWord)
		}
		h.queue(PageOf(h.firstFreeWord))
		h.stablePages++
	}

	h.scavengeCount++
	var np uintptr
	if headerWords != 0 {
		hdr := readWord(cp - headerWords*bytesPerWord)
		writeWord(h.firstFreeWord, hdr)
		h.firstFreeWord += bytesPerWord
		np = h.firstFreeWord
		dir.setObjectMap(np)
		h.freeWords -= words
		setForward(cp, np)
		memmoveWords(np, cp, words-headerWords)
		h.firstFreeWord += (words - headerWords) * bytesPerWord
	} else {
		np = h.firstFreeWord
		dir.setObjectMap(np)
		h.freeWords -= words
		memmoveWords(np, cp, words)
		h.firstFreeWord += words * bytesPerWord
		setForward(cp, np)
	}
	dir.markLive(np)
	return np
}

// Scavenge replaces a pointer to (or within) an object with the pointer
// to its scavenged location. It is the single operation traversal
// functions invoke.
func (h *DefaultHeap) Scavenge(loc *uintptr) {
	pp := *loc
	page := PageOf(pp)
	if dir.outsideHeaps(page) {
		return
	}
	p := BasePointer(pp)
	if p == 0 {
		return
	}
	page = PageOf(p)
	owner := dir.ownerOf(page)
	if owner == Heap(h) {
		if h.inFromSpace(page) {
			*loc = h.move(p) + (pp - p)
		} else if !dir.isLive(p) {
			dir.markLive(p)
			if page == h.scanPage && p > h.scanPtr {
				return // the sweep ahead will reach it
			}
			if dir.spaceOf(page) == scannedSpace && isObjectBase(p) {
				traverseObject(h, p)
			}
		}
	} else if owner != nil && !dir.outsideHeaps(page) && !owner.Base().Opaque {
		// Mark-and-traverse inside the other heap; fields keep routing
		// through this collector so cross-heap references stay sound.
		visitObject(h, p)
	}
}

// Collect runs one garbage collection: close the current page, clear
// the live bitmap, promote every page an ambiguous root points into,
// then sweep the stable-set queue copying whatever else is reachable.
func (h *DefaultHeap) Collect() {
	Init()

	h.scavengeCount = 0
	if whenVerbose(Stats) {
		log.Infof("collecting - %d%% allocated", heapPercent(h.usedPages))
	}

	// Copy destinations must never share a page with mutator allocations:
	// an open current page would receive copies into FromSpace.
	h.closeCurrentPage()

	// Pages allocated by move below are born stable and thus survive the
	// space-tag advance.
	h.nextSpace = stableSpace
	h.usedPages = h.stablePages // start counting in the stable set
	h.scannedForeign = make(map[Page]bool)

	dir.clearLiveMap()

	totalCollection := h.queueHead == 0

	h.promotionPhase()
	if whenVerbose(Stats) {
		log.Infof("%d%% promoted", heapPercent(h.usedPages))
	}

	h.compactionPhase()
	if whenVerbose(Stats) {
		log.Infof("%d%% stable, %d objects moved", heapPercent(h.stablePages), h.scavengeCount)
	}

	collectionsCount++
	movedObjects += h.scavengeCount
	h.scannedForeign = nil

	if generational != 0 {
		if heapPercent(h.usedPages) >= generational {
			h.emptyStableSpace()
			if totalCollection {
				// The total collection did not recover enough.
				if h.shouldExpandHeap() {
					expandHeap(incHeap)
				}
			}
		}
	} else {
		h.emptyStableSpace()
		if h.shouldExpandHeap() {
			expandHeap(incHeap)
		}
	}
	h.nextSpace = h.fromSpace // resume allocating in FromSpace
}

// shouldExpandHeap reports whether the heap is full enough after a total
// collection to warrant growing it.
func (h *DefaultHeap) shouldExpandHeap() bool {
	return heapPercent(h.usedPages) >= incPercent &&
		dir.totalPages < maxHeap/bytesPerPage &&
		incHeap != 0
}

// promotionPhase examines the register file and stack, the static
// areas, the registered root areas and optionally the untraced heap for
// ambiguous roots.
func (h *DefaultHeap) promotionPhase() {
	registerFlush()

	if whenVerbose(RootLog) {
		log.Info("stack roots:")
	}
	top := currentStackTop()
	for fp := top; fp < stackBottom; fp += bytesPerWord {
		if whenVerbose(RootLog) {
			h.logRoot(fp)
		}
		h.promoteRoot(readWord(fp))
	}

	if whenVerbose(RootLog) {
		log.Info("static and registered roots:")
	}
	dataSegmentsForEach(func(base, limit uintptr) {
		for fp := base; fp < limit; fp += bytesPerWord {
			if whenVerbose(RootLog) {
				h.logRoot(fp)
			}
			h.promoteRoot(readWord(fp))
		}
	})

	forEachRootArea(func(addr, bytes uintptr) {
		for fp := addr; fp < addr+bytes; fp += bytesPerWord {
			h.promoteRoot(readWord(fp))
		}
	})

	if whenFlags(HeapRoots) {
		if whenVerbose(HeapLog) {
			log.Info("untraced heap roots:")
		}
		theUncollectedHeap.forEachUntracedWord(h, func(addr uintptr) {
			if whenVerbose(HeapLog) {
				h.logRoot(addr)
			}
			h.promoteRoot(readWord(addr))
		})
	}
}

// compactionPhase walks the stable-set queue from head to tail, sweeping
// each page linearly and traversing every live object on it. Copies land
// in stable pages that were themselves appended to the queue, so the
// walk reaches them later and terminates without a recursion stack.
func (h *DefaultHeap) compactionPhase() {
	page := h.queueHead
	for page != 0 {
		// Pointers to unmarked objects within this page must now be
		// traversed recursively by Scavenge.
		dir.setSpace(page, scannedSpace)
		h.scanPage = page

		cp := PageBase(page)
		if whenVerbose(DebugLog) {
			log.Debugf("sweeping 0x%x", cp)
		}
		pageEnd := PageBase(page + 1)
		inCurrentPage := page == PageOf(h.firstFreeWord)
		nextcp := pageEnd
		if inCurrentPage {
			nextcp = h.firstFreeWord
		}
		for {
			if cp >= nextcp {
				// The current page may keep filling while it is swept.
				if !inCurrentPage {
					break
				}
				if cp <= h.firstFreeWord && h.firstFreeWord < pageEnd {
					nextcp = h.firstFreeWord
				} else {
					nextcp = pageEnd
				}
				if cp >= nextcp {
					break
				}
			}
			if whenFlags(TstObj) {
				verifyHeader(cp + headerWords*bytesPerWord)
			}
			base, next, isObject := stepObject(cp)
			if isObject && dir.isLive(base) {
				h.scanPtr = cp
				traverseObject(h, base)
			}
			cp = next
		}

		page = dir.linkOf(page)
		if cp == h.firstFreeWord && page != 0 {
			// Close the current page if it is not the last in the queue:
			// a later page may forward objects into it past the point the
			// sweep reached, and they would never be scanned.
			h.closeCurrentPage()
		}
	}

	// Scanned pages go back to StableSpace.
	for scan := h.queueHead; scan != 0; scan = dir.linkOf(scan) {
		dir.setSpace(scan, stableSpace)
	}
	h.scanPage = 0
	h.scanPtr = 0

	h.fromSpace++ // advance space
}

// emptyStableSpace moves every page of the stable set back into
// FromSpace. Calling this before a collection makes it total; it is also
// called after collection when the stable set has grown too large, or
// when generational collection is disabled.
func (h *DefaultHeap) emptyStableSpace() {
	count := 0
	for h.queueHead != 0 {
		scan := h.queueHead
		pages := dir.groupOf(scan)
		for ; pages > 0; pages-- {
			dir.setSpace(scan, h.fromSpace)
			scan++
			count++
		}
		h.queueHead = dir.linkOf(h.queueHead)
	}
	h.stablePages -= count
}

// logRoot resolves a candidate root location to its containing object
// and logs both.
func (h *DefaultHeap) logRoot(fp uintptr) {
	w := readWord(fp)
	page := PageOf(w)
	if dir.outsideSpan(page) || dir.ownerOf(page) != Heap(h) || h.inFreeSpace(page) {
		return
	}
	obj := BasePointer(w)
	if obj == 0 {
		return
	}
	log.Debugf("root&: 0x%x object&: 0x%x", fp, obj)
}
