package cmm

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// cell is the canonical test type: a list node whose value1 may hold a
// derived pointer at its own value2 field.
type cell struct {
	_      uintptr // descriptor
	next   uintptr
	value1 uintptr
	value2 uintptr
}

const (
	cellBytes     = unsafe.Sizeof(cell{})
	cellValue2Off = 3 * bytesPerWord
)

var cellType = RegisterType("cell", func(h Heap, base uintptr) {
	c := (*cell)(unsafe.Pointer(base))
	h.Scavenge(&c.next)
	h.Scavenge(&c.value1)
})

func cellAt(base uintptr) *cell { return (*cell)(unsafe.Pointer(base)) }

func newCell(h Heap) uintptr {
	base := NewObject(cellBytes, h)
	SetObjectType(base, cellType)
	return base
}

func TestMain(m *testing.M) {
	Set(Config{
		MinHeap:      1 << 20,
		MaxHeap:      64 << 20,
		IncHeap:      2 << 20,
		Generational: DefaultGenerational,
		IncPercent:   DefaultIncPercent,
		GCThreshold:  DefaultGCThreshold,
	})
	Init()
	os.Exit(m.Run())
}

// anchorStack bounds the conservative stack scan to the caller's frame,
// so collections in tests read only live stack memory.
//
//go:noinline
func anchorStack() {
	var anchor uintptr
	SetStackBottom(uintptr(unsafe.Pointer(&anchor)))
}

// runCollect collects with the stack scan anchored just above it.
func runCollect() {
	anchorStack()
	theDefaultHeap.Collect()
}

// rootSlice registers the backing array of a Go slice as an ambiguous
// root area and unregisters it when the test ends.
func rootSlice(t *testing.T, s []uintptr) {
	t.Helper()
	addr := uintptr(unsafe.Pointer(&s[0]))
	RegisterRootArea(addr, uintptr(len(s))*bytesPerWord)
	t.Cleanup(func() { UnregisterRootArea(addr) })
}

// checkDirectoryInvariants walks the page directory and verifies the
// structural invariants every collection must preserve.
func checkDirectoryInvariants(t *testing.T) {
	t.Helper()
	h := theDefaultHeap

	for p := dir.firstHeapPage; p <= dir.lastHeapPage; p++ {
		id := dir.owner[dir.idx(p)]
		require.Less(t, int(id), len(heapRegistry), "page 0x%x has unknown owner", p)

		if g := dir.groupOf(p); g > 1 && dir.ownerOf(p) == Heap(h) {
			for k := int32(1); k < g; k++ {
				require.Equal(t, -k, dir.groupOf(p+Page(k)),
					"page group at 0x%x broken at offset %d", p, k)
			}
		}
	}

	// The stable queue covers exactly the stable pages, without
	// duplicates or cycles.
	seen := make(map[Page]bool)
	count := 0
	for q := h.queueHead; q != 0; q = dir.linkOf(q) {
		require.False(t, seen[q], "stable queue visits page 0x%x twice", q)
		seen[q] = true
		require.True(t, h.inStableSpace(q), "queued page 0x%x is not stable", q)
		count += int(dir.groupOf(q))
	}
	require.Equal(t, h.stablePages, count, "stable page count disagrees with queue")
}
