// Package tempheap provides a heap for temporary data. Objects are
// bump-allocated into fixed-size containers and survive only as long as
// the heap's precise root set reaches them: a collection copies the live
// objects into fresh containers and recycles the rest wholesale, and
// reset drops everything at once.
//
// The heap registers with the shared page directory, so the copying
// collector sees its pages and traverses its objects when it encounters
// pointers to them.
package tempheap

import (
	"unsafe"

	"github.com/prometheus/common/log"

	"github.com/Unipisa/CMM/cmm"
)

// Container is one chunk of temporary storage with bump allocation.
type Container struct {
	body  uintptr
	words uintptr // capacity
	top   uintptr // index of the first free word
	pages int
}

// NewContainer reserves bytes of storage for heap from the page
// directory.
func NewContainer(bytes uintptr, heap cmm.Heap) *Container {
	pages := int((bytes + cmm.BytesPerPage - 1) / cmm.BytesPerPage)
	c := &Container{
		body:  cmm.AllocatePages(pages, heap),
		words: uintptr(pages) * cmm.WordsPerPage,
		pages: pages,
	}
	return c
}

// alloc returns storage for words machine words, or 0 when the
// container is full.
func (c *Container) alloc(words uintptr) uintptr {
	if c.top+words > c.words {
		return 0
	}
	at := c.body + c.top*cmm.BytesPerWord
	c.top += words
	return at
}

// Room returns the free bytes left.
func (c *Container) Room() uintptr { return (c.words - c.top) * cmm.BytesPerWord }

// UsedBytes returns the bytes allocated so far.
func (c *Container) UsedBytes() uintptr { return c.top * cmm.BytesPerWord }

// current returns the first free word.
func (c *Container) current() uintptr { return c.body + c.top*cmm.BytesPerWord }

// bottom returns the address of the first object.
func (c *Container) bottom() uintptr { return c.body }

func (c *Container) inside(p uintptr) bool {
	return p >= c.body && p < c.current()
}

// Reset empties the container and clears the stale object starts.
func (c *Container) Reset() {
	c.top = 0
	cmm.ClearObjectMap(cmm.PageOf(c.body), c.pages)
}

// weakReset empties the container without touching the maps.
func (c *Container) weakReset() { c.top = 0 }

// copy clones the object at src into this container, or returns 0 when
// it does not fit.
func (c *Container) copy(src uintptr) uintptr {
	words := cmm.ObjectWords(src)
	at := c.alloc(words)
	if at == 0 {
		return 0
	}
	return cmm.CloneObjectAt(at, src)
}

// RootSet holds the precise roots of a temporary heap: locations whose
// contents are updated when objects move, and objects that are
// themselves traversed.
type RootSet struct {
	locs []*uintptr
	objs []uintptr
}

// InsertLoc registers a location holding a pointer into the heap.
func (r *RootSet) InsertLoc(loc *uintptr) { r.locs = append(r.locs, loc) }

// EraseLoc removes a registered location.
func (r *RootSet) EraseLoc(loc *uintptr) {
	for i, l := range r.locs {
		if l == loc {
			r.locs = append(r.locs[:i], r.locs[i+1:]...)
			return
		}
	}
}

// Insert registers an object as a root.
func (r *RootSet) Insert(obj uintptr) { r.objs = append(r.objs, obj) }

// Erase removes a registered object.
func (r *RootSet) Erase(obj uintptr) {
	for i, o := range r.objs {
		if o == obj {
			r.objs = append(r.objs[:i], r.objs[i+1:]...)
			return
		}
	}
}

// scan routes every root through the collecting heap.
func (r *RootSet) scan(h cmm.Heap) {
	for _, loc := range r.locs {
		h.Scavenge(loc)
	}
	for i := range r.objs {
		h.Scavenge(&r.objs[i])
		cmm.TraverseObject(h, r.objs[i])
	}
}

const defaultChunkBytes = 100000

// TempHeap is a heap for temporary data with precise roots.
type TempHeap struct {
	cmm.HeapBase

	Roots RootSet

	chunkBytes uintptr
	chunks     []*Container
	current    int

	// Collection state: destination containers and their scan cursors.
	dest     []*Container
	destScan []uintptr
}

// New creates a temporary heap whose containers hold bytes each.
func New(bytes uintptr) *TempHeap {
	cmm.Init()
	if bytes == 0 {
		bytes = defaultChunkBytes
	}
	h := &TempHeap{chunkBytes: bytes}
	cmm.RegisterHeap(h)
	h.chunks = append(h.chunks, NewContainer(bytes, h))
	return h
}

// Alloc returns storage for an object of size bytes.
func (h *TempHeap) Alloc(size uintptr) uintptr {
	words := cmm.ObjectWordsFor(size)
	if words > h.chunks[0].words {
		log.Errorf("temporary heap cannot hold a %d byte object", size)
		return 0
	}
	at := h.chunks[h.current].alloc(words)
	if at == 0 {
		h.current++
		if h.current == len(h.chunks) {
			h.chunks = append(h.chunks, NewContainer(h.chunkBytes, h))
		}
		at = h.chunks[h.current].alloc(words)
	}
	return cmm.FormatObject(at, size)
}

// Reclaim does nothing; storage is recovered by Collect and Reset.
func (h *TempHeap) Reclaim(p uintptr) {}

// Inside reports whether p points into live container storage.
func (h *TempHeap) Inside(p uintptr) bool { return h.containerOf(p) != nil }

func (h *TempHeap) containerOf(p uintptr) *Container {
	for i := 0; i <= h.current && i < len(h.chunks); i++ {
		if h.chunks[i].inside(p) {
			return h.chunks[i]
		}
	}
	return nil
}

// ScanRoots treats one of this heap's pages as ambiguous roots for the
// copying collector.
func (h *TempHeap) ScanRoots(page cmm.Page) {
	end := cmm.PageBase(page + 1)
	for ptr := cmm.PageBase(page); ptr < end; ptr += cmm.BytesPerWord {
		cmm.PromotePage(readWord(ptr))
	}
}

// Scavenge copies the referenced object into the destination space of a
// collection in progress and updates the location. Pointers outside this
// heap are left for their own collectors.
func (h *TempHeap) Scavenge(loc *uintptr) {
	p := *loc
	c := h.containerOf(p)
	if c == nil {
		return
	}
	base := cmm.BasePointer(p)
	if base == 0 || !c.inside(base) {
		return
	}
	if cmm.Forwarded(base) {
		*loc = cmm.ForwardAddr(base) + (p - base)
		return
	}
	np := h.copyToDest(base)
	cmm.SetForward(base, np)
	*loc = np + (p - base)
}

func (h *TempHeap) copyToDest(base uintptr) uintptr {
	last := h.dest[len(h.dest)-1]
	np := last.copy(base)
	if np == 0 {
		h.dest = append(h.dest, NewContainer(h.chunkBytes, h))
		h.destScan = append(h.destScan, 0)
		np = h.dest[len(h.dest)-1].copy(base)
	}
	return np
}

// Collect copies everything reachable from the root set into fresh
// containers and recycles the old ones.
func (h *TempHeap) Collect() {
	h.dest = []*Container{NewContainer(h.chunkBytes, h)}
	h.destScan = []uintptr{0}

	h.Roots.scan(h)

	// Sweep the destination containers; copies append to them, so the
	// walk continues until every container is fully scanned.
	for {
		advanced := false
		for i := 0; i < len(h.dest); i++ {
			c := h.dest[i]
			for h.destScan[i] < c.top {
				cp := c.body + h.destScan[i]*cmm.BytesPerWord
				base := cp + cmm.ObjectHeaderBytes
				cmm.TraverseObject(h, base)
				h.destScan[i] += cmm.ObjectWords(base)
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}

	// Old containers go back to the pool.
	old := h.chunks
	h.chunks = h.dest
	h.current = len(h.chunks) - 1
	for _, c := range old {
		c.Reset()
		h.chunks = append(h.chunks, c)
	}
	h.dest = nil
	h.destScan = nil
}

// Reset drops every object in the heap.
func (h *TempHeap) Reset() {
	for _, c := range h.chunks {
		c.Reset()
	}
	h.current = 0
	h.Roots = RootSet{}
}

// WeakReset empties the heap but keeps the maps and roots untouched.
func (h *TempHeap) WeakReset() {
	for _, c := range h.chunks {
		c.weakReset()
	}
	h.current = 0
}

func readWord(addr uintptr) uintptr { return *(*uintptr)(unsafe.Pointer(addr)) }
