package cmm

import (
	"unsafe"

	"github.com/prometheus/common/log"
	"golang.org/x/sys/unix"
)

// Logical space tags. FromSpace is represented by a counter that starts
// just past unallocatedSpace and is advanced after every collection, so
// that the whole old FromSpace collapses into FreeSpace without touching
// the directory. StableSpace pages are temporarily tagged scannedSpace
// while the compaction sweep walks them.
const (
	stableSpace      = 0
	scannedSpace     = 1
	unallocatedSpace = 2
)

// The page directory: process-wide parallel arrays indexed by page
// number, shared by every registered heap. The arrays and the two
// word-granular bitmaps are carved out of a single mapped block and are
// replaced wholesale when the heap grows.
type pageDirectory struct {
	firstHeapPage Page // page number of first heap page
	lastHeapPage  Page // page number of last heap page
	heapSpanPages int  // pages spanning the heap, gaps included
	totalPages    int  // pages backing registered heaps plus free pages
	freePages     int  // pages not yet allocated
	tablePages    int  // pages used by the tables
	firstTablePage Page
	firstFreePage  Page // where the page allocator resumes scanning

	space []int32  // space tag, indexed by page - firstHeapPage
	group []int32  // page count for group heads, negative head offset after
	link  []Page   // stable-set queue threading
	owner []int16  // registered heap id, noHeapID when free

	objectMap []uintptr // one bit per word: an object starts here
	liveMap   []uintptr // one bit per word: object reached this collection

	tablesBlock []byte // backing for the arrays above
}

var dir *pageDirectory

// Heap owner sentinels in the owner array.
const (
	noHeapID          = 0
	uncollectedHeapID = 1
)

// heapRegistry maps owner ids back to heaps. Slot 0 is the no-heap
// sentinel, slot 1 the uncollected heap.
var heapRegistry = []Heap{nil, nil}

// RegisterHeap makes h known to the page directory so that pages can
// record it as their owner. Heap constructors call it once.
func RegisterHeap(h Heap) {
	if h.Base().id != 0 {
		return
	}
	heapRegistry = append(heapRegistry, h)
	h.Base().id = int16(len(heapRegistry) - 1)
}

// Bytes of directory table backing one page: the four per-page entries
// plus one word in each bitmap (with 64 words per page and 64 bits per
// bitmap word, every page owns exactly one word of each map).
const tableBytesPerPage = 4 + 4 + 8 + 2 + // space, group, link, owner
	wordsPerPage / bitsPerWord * bytesPerWord + // objectMap
	wordsPerPage / bitsPerWord * bytesPerWord // liveMap

var expandFailed bool // latched on the first refused expansion

func (d *pageDirectory) idx(page Page) int { return int(page - d.firstHeapPage) }

func (d *pageDirectory) outsideSpan(page Page) bool {
	return page < d.firstHeapPage || page > d.lastHeapPage
}

// outsideHeaps reports that page cannot hold a collected object: it is
// beyond the span or belongs to the untraced heap.
func (d *pageDirectory) outsideHeaps(page Page) bool {
	return d.outsideSpan(page) || d.owner[d.idx(page)] == uncollectedHeapID
}

func (d *pageDirectory) spaceOf(page Page) int32     { return d.space[d.idx(page)] }
func (d *pageDirectory) setSpace(page Page, s int32) { d.space[d.idx(page)] = s }
func (d *pageDirectory) groupOf(page Page) int32     { return d.group[d.idx(page)] }
func (d *pageDirectory) setGroup(page Page, g int32) { d.group[d.idx(page)] = g }
func (d *pageDirectory) linkOf(page Page) Page       { return d.link[d.idx(page)] }
func (d *pageDirectory) setLink(page Page, l Page)   { d.link[d.idx(page)] = l }

func (d *pageDirectory) ownerOf(page Page) Heap {
	return heapRegistry[d.owner[d.idx(page)]]
}

func (d *pageDirectory) setOwner(page Page, h Heap) {
	if h == nil {
		d.owner[d.idx(page)] = noHeapID
	} else {
		d.owner[d.idx(page)] = h.Base().id
	}
}

// groupHead resolves continuation pages to the head of their group.
func (d *pageDirectory) groupHead(page Page) Page {
	if g := d.groupOf(page); g < 0 {
		return page + Page(g)
	}
	return page
}

// mapPosition locates the bitmap bit for a word address.
func (d *pageDirectory) mapPosition(addr uintptr) (index int, mask uintptr) {
	bit := (addr - PageBase(d.firstHeapPage)) / bytesPerWord
	return int(bit / bitsPerWord), 1 << (bit % bitsPerWord)
}

func (d *pageDirectory) setObjectMap(addr uintptr) {
	i, m := d.mapPosition(addr)
	d.objectMap[i] |= m
}

func (d *pageDirectory) isObject(addr uintptr) bool {
	i, m := d.mapPosition(addr)
	return d.objectMap[i]&m != 0
}

func (d *pageDirectory) markLive(addr uintptr) {
	i, m := d.mapPosition(addr)
	d.liveMap[i] |= m
}

func (d *pageDirectory) isLive(addr uintptr) bool {
	i, m := d.mapPosition(addr)
	return d.liveMap[i]&m != 0
}

// clearObjectMapPages clears the object map for a run of pages.
func (d *pageDirectory) clearObjectMapPages(first Page, pages int) {
	i := d.idx(first)
	for k := 0; k < pages; k++ {
		d.objectMap[i+k] = 0
	}
}

// clearLiveMap clears the live bitmap across the whole heap span. Done
// at the start of every collection.
func (d *pageDirectory) clearLiveMap() {
	for i := range d.liveMap {
		d.liveMap[i] = 0
	}
}

// mmapBlock reserves zeroed anonymous memory. The mapping outlives the
// Go heap entirely; page-aligned by the kernel, hence also aligned to
// the collector's smaller page size.
func mmapBlock(bytes int) ([]byte, error) {
	return unix.Mmap(-1, 0, bytes,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// carveTables slices the per-page arrays and the bitmaps out of a tables
// block covering span pages.
func (d *pageDirectory) carveTables(block []byte, span int) {
	p := unsafe.Pointer(&block[0])
	off := uintptr(0)
	d.space = unsafe.Slice((*int32)(unsafe.Pointer(uintptr(p)+off)), span)
	off += uintptr(span) * 4
	d.group = unsafe.Slice((*int32)(unsafe.Pointer(uintptr(p)+off)), span)
	off += uintptr(span) * 4
	d.link = unsafe.Slice((*Page)(unsafe.Pointer(uintptr(p)+off)), span)
	off += uintptr(span) * 8
	d.owner = unsafe.Slice((*int16)(unsafe.Pointer(uintptr(p)+off)), span)
	off += uintptr(span) * 2
	off = (off + bytesPerWord - 1) &^ (bytesPerWord - 1)
	d.objectMap = unsafe.Slice((*uintptr)(unsafe.Pointer(uintptr(p)+off)), span)
	off += uintptr(span) * bytesPerWord
	d.liveMap = unsafe.Slice((*uintptr)(unsafe.Pointer(uintptr(p)+off)), span)
	d.tablesBlock = block
}

func tablePagesFor(span int) int {
	// The alignment pad between owner and objectMap costs at most a word.
	return (span*tableBytesPerPage + bytesPerWord + bytesPerPage - 1) / bytesPerPage
}

// createDirectory maps the initial heap together with its tables in one
// block. The table pages sit past the heap span and are recycled into
// heap pages on the first expansion that reaches them.
func createDirectory() {
	totalPages := (minHeap + bytesPerPage - 1) / bytesPerPage
	tablePages := tablePagesFor(totalPages)

	block, err := mmapBlock((totalPages + tablePages) * bytesPerPage)
	if err != nil {
		fatalf("unable to allocate %d byte heap: %v", minHeap, err)
	}

	d := &pageDirectory{
		totalPages:    totalPages,
		heapSpanPages: totalPages,
		freePages:     totalPages,
		tablePages:    tablePages,
	}
	d.firstHeapPage = PageOf(uintptr(unsafe.Pointer(&block[0])))
	d.lastHeapPage = d.firstHeapPage + Page(totalPages) - 1
	d.firstTablePage = d.lastHeapPage + 1
	d.firstFreePage = d.firstHeapPage
	d.carveTables(block[totalPages*bytesPerPage:], totalPages)
	dir = d
	created = true
}

func distant(a, b Page) bool {
	if a > b {
		return a-b > 1000
	}
	return b-a > 1000
}

// expandHeap grows the heap by increment bytes and rebuilds the
// directory over the union of the old and new page ranges. It returns
// the first new page, or 0 on failure; any failure latches and disables
// further expansion for the lifetime of the process.
func expandHeap(increment int) Page {
	if expandFailed {
		return 0
	}
	d := dir
	incPages := increment / bytesPerPage
	if (d.totalPages+incPages)*bytesPerPage > maxHeap {
		expandFailed = true
		if whenVerbose(Stats) {
			log.Warnf("heap expansion failed: %d byte limit reached", maxHeap)
		}
		return 0
	}

	incBlock, err := mmapBlock(incPages * bytesPerPage)
	if err != nil {
		expandFailed = true
		if whenVerbose(Stats) {
			log.Warnf("heap expansion failed: %v", err)
		}
		return 0
	}
	incFirst := PageOf(uintptr(unsafe.Pointer(&incBlock[0])))
	incLast := incFirst + Page(incPages) - 1

	newFirst := d.firstHeapPage
	if incFirst < newFirst {
		newFirst = incFirst
	}
	newLast := d.lastHeapPage
	if incLast > newLast {
		newLast = incLast
	}

	// The allocator sometimes places blocks at quite distant addresses.
	// Folding far-away table pages back into the heap would stretch the
	// span, and with it the new tables, to cover the gap; release them
	// instead.
	lastTablePage := d.firstTablePage + Page(d.tablePages) - 1
	recycle := !(distant(d.lastHeapPage, d.firstTablePage) && distant(lastTablePage, d.firstHeapPage))
	if recycle {
		if d.firstTablePage < newFirst {
			newFirst = d.firstTablePage
		}
		if lastTablePage > newLast {
			newLast = lastTablePage
		}
	}
	newSpan := int(newLast - newFirst + 1)
	newTablePages := tablePagesFor(newSpan)
	tables, err := mmapBlock(newTablePages * bytesPerPage)
	if err != nil {
		unix.Munmap(incBlock)
		expandFailed = true
		if whenVerbose(Stats) {
			log.Warnf("heap expansion failed: %v", err)
		}
		return 0
	}

	old := *d
	d.firstHeapPage = newFirst
	d.lastHeapPage = newLast
	d.heapSpanPages = newSpan
	d.carveTables(tables, newSpan)

	// Pages in the gaps between discontiguous blocks belong to nobody we
	// may touch; tag them with the uncollected sentinel so the page
	// allocator never hands them out.
	for i := range d.owner {
		d.owner[i] = uncollectedHeapID
	}
	for p := incFirst; p <= incLast; p++ {
		d.owner[d.idx(p)] = noHeapID
	}
	for p := old.firstHeapPage; p <= old.lastHeapPage; p++ {
		i, oi := d.idx(p), int(p-old.firstHeapPage)
		d.space[i] = old.space[oi]
		d.group[i] = old.group[oi]
		d.link[i] = old.link[oi]
		d.owner[i] = old.owner[oi]
		d.objectMap[i] = old.objectMap[oi]
		// Carried over in case expansion happens inside a collection.
		d.liveMap[i] = old.liveMap[oi]
	}

	d.totalPages = old.totalPages + incPages
	d.freePages += incPages
	if recycle {
		for p := old.firstTablePage; p <= lastTablePage; p++ {
			d.owner[d.idx(p)] = noHeapID
		}
		d.totalPages += old.tablePages
		d.freePages += old.tablePages
	} else if err := unix.Munmap(old.tablesBlock); err != nil {
		// The initial tables share a mapping with the first heap block
		// and may not sit on an OS page boundary; leaking them is fine.
		log.Debugf("old directory tables not released: %v", err)
	}
	d.tablePages = newTablePages
	d.firstTablePage = PageOf(uintptr(unsafe.Pointer(&tables[0])))
	d.firstFreePage = incFirst

	expansionsCount++
	if whenVerbose(Stats) {
		log.Infof("heap expanded to %d bytes", d.totalPages*bytesPerPage)
	}
	return incFirst
}

// Owner returns the heap that reserved page, or nil when the page is
// free or outside the heap span.
func Owner(page Page) Heap {
	if dir == nil || dir.outsideSpan(page) {
		return nil
	}
	return dir.ownerOf(page)
}

// HeapSpan returns the first and last page of the directory span.
func HeapSpan() (first, last Page) {
	return dir.firstHeapPage, dir.lastHeapPage
}

// GroupHead resolves a page inside a multi-page group to the group's
// first page.
func GroupHead(page Page) Page { return dir.groupHead(page) }

// ClearObjectMap clears the object-start bits of a run of pages. Heaps
// that recycle their storage wholesale call it so stale object starts do
// not confuse base resolution.
func ClearObjectMap(first Page, pages int) {
	dir.clearObjectMapPages(first, pages)
}

// SetObjectStart records an object base in the object-start bitmap.
// Heaps that lay out their own storage maintain the bitmap so interior
// pointers into their pages resolve correctly.
func SetObjectStart(addr uintptr) { dir.setObjectMap(addr) }

// ClearObjectStart removes an object base from the object-start bitmap.
func ClearObjectStart(addr uintptr) {
	i, m := dir.mapPosition(addr)
	dir.objectMap[i] &^= m
}

// IsObjectStart reports whether an object base is recorded at addr.
func IsObjectStart(addr uintptr) bool { return dir.isObject(addr) }

// ClearLivePages clears the live bitmap on every page owned by h.
// Collectors for additional heaps call it when they begin a collection
// of their own.
func ClearLivePages(h Heap) {
	for p := dir.firstHeapPage; p <= dir.lastHeapPage; p++ {
		if dir.ownerOf(p) == h {
			dir.liveMap[dir.idx(p)] = 0
		}
	}
}

// nextPage steps the allocation cursor, wrapping at the end of the span.
func nextPage(page Page) Page {
	if page == dir.lastHeapPage {
		return dir.firstHeapPage
	}
	return page + 1
}

// AllocatePages hands n contiguous pages to heap, growing the heap when
// the scan finds no free run. The process is aborted when neither works.
func AllocatePages(n int, heap Heap) uintptr {
	Init()
	d := dir
	free := 0
	firstPage := d.firstFreePage

	for allPages := d.heapSpanPages; allPages > 0; allPages-- {
		if d.owner[d.idx(d.firstFreePage)] == noHeapID {
			free++
			if free == n {
				goto found
			}
		} else {
			free = 0
		}
		d.firstFreePage = nextPage(d.firstFreePage)
		if d.firstFreePage == d.firstHeapPage {
			free = 0
		}
		if free == 0 {
			firstPage = d.firstFreePage
		}
	}
	// No run found; make sure the increment covers the request and grow.
	incHeap = max(incHeap, n*bytesPerPage)
	firstPage = expandHeap(incHeap)
	if firstPage == 0 {
		fatalf("unable to allocate %d pages", n)
	}
found:
	d.freePages -= n
	heap.Base().ReservedPages += n
	d.setOwner(firstPage, heap)
	d.setGroup(firstPage, int32(n))
	for i := 1; i < n; i++ {
		d.setOwner(firstPage+Page(i), heap)
		d.setGroup(firstPage+Page(i), int32(-i))
	}
	return PageBase(firstPage)
}
