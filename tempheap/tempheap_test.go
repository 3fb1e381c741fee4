package tempheap

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Unipisa/CMM/cmm"
)

// node is the test type: a pair with one pointer field.
type node struct {
	_     uintptr // descriptor
	next  uintptr
	value uintptr
}

const nodeBytes = unsafe.Sizeof(node{})

var nodeType = cmm.RegisterType("node", func(h cmm.Heap, base uintptr) {
	n := (*node)(unsafe.Pointer(base))
	h.Scavenge(&n.next)
})

func nodeAt(base uintptr) *node { return (*node)(unsafe.Pointer(base)) }

func newNode(h *TempHeap, value uintptr) uintptr {
	base := h.Alloc(nodeBytes)
	cmm.SetObjectType(base, nodeType)
	nodeAt(base).value = value
	return base
}

func TestMain(m *testing.M) {
	cmm.Set(cmm.Config{MinHeap: 1 << 20, MaxHeap: 64 << 20, IncHeap: 2 << 20})
	cmm.Init()
	os.Exit(m.Run())
}

func TestContainerBumpAllocation(t *testing.T) {
	h := New(8 * cmm.BytesPerPage)
	c := h.chunks[0]
	room := c.Room()

	a := h.Alloc(nodeBytes)
	require.NotZero(t, a)
	assert.Equal(t, room-cmm.ObjectWordsFor(nodeBytes)*cmm.BytesPerWord, c.Room())

	b := h.Alloc(nodeBytes)
	assert.Equal(t, a+cmm.ObjectWordsFor(nodeBytes)*cmm.BytesPerWord, b,
		"bump allocation is not contiguous")
	assert.True(t, h.Inside(a))
	assert.True(t, h.Inside(b))
}

func TestAllocGrowsIntoNewContainers(t *testing.T) {
	h := New(cmm.BytesPerPage)
	perChunk := int(cmm.WordsPerPage / cmm.ObjectWordsFor(nodeBytes))
	for i := 0; i < 3*perChunk; i++ {
		require.NotZero(t, newNode(h, uintptr(i)))
	}
	assert.Greater(t, len(h.chunks), 1, "heap did not grow a second container")
}

func TestCollectCopiesLiveChain(t *testing.T) {
	h := New(4 * cmm.BytesPerPage)

	var head uintptr
	for i := 4; i >= 0; i-- {
		n := newNode(h, uintptr(i))
		nodeAt(n).next = head
		head = n
	}
	// Garbage interleaved with the chain.
	for i := 0; i < 32; i++ {
		newNode(h, 0xdead)
	}

	h.Roots.InsertLoc(&head)
	oldHead := head
	h.Collect()

	assert.NotEqual(t, oldHead, head, "live chain was not evacuated")
	n := head
	for i := 0; i <= 4; i++ {
		require.NotZero(t, n, "chain broken at %d", i)
		require.Equal(t, uintptr(i), nodeAt(n).value)
		n = nodeAt(n).next
	}
	assert.Zero(t, n)
}

func TestCollectUpdatesObjectRoots(t *testing.T) {
	h := New(4 * cmm.BytesPerPage)

	obj := newNode(h, 99)
	h.Roots.Insert(obj)
	h.Collect()

	survivor := h.Roots.objs[0]
	assert.NotEqual(t, obj, survivor, "object root was not evacuated")
	assert.Equal(t, uintptr(99), nodeAt(survivor).value)
}

func TestScavengeFollowsForwards(t *testing.T) {
	h := New(4 * cmm.BytesPerPage)

	obj := newNode(h, 7)
	loc1, loc2 := obj, obj
	h.Roots.InsertLoc(&loc1)
	h.Roots.InsertLoc(&loc2)
	h.Collect()

	assert.Equal(t, loc1, loc2, "two locations for one object diverged")
	assert.Equal(t, uintptr(7), nodeAt(loc1).value)
}

func TestScavengeKeepsDerivedPointers(t *testing.T) {
	h := New(4 * cmm.BytesPerPage)

	obj := newNode(h, 3)
	interior := obj + 2*cmm.BytesPerWord // &value
	h.Roots.InsertLoc(&obj)
	h.Roots.InsertLoc(&interior)
	h.Collect()

	assert.Equal(t, obj+2*cmm.BytesPerWord, interior, "interior offset lost across the copy")
}

func TestScavengeIgnoresForeignPointers(t *testing.T) {
	h := New(4 * cmm.BytesPerPage)

	var local uintptr
	outside := uintptr(unsafe.Pointer(&local))
	p := outside
	h.Scavenge(&p)
	assert.Equal(t, outside, p)
}

func TestResetEmptiesEveryContainer(t *testing.T) {
	h := New(2 * cmm.BytesPerPage)
	for i := 0; i < 8; i++ {
		newNode(h, uintptr(i))
	}
	h.Reset()
	for _, c := range h.chunks {
		assert.Zero(t, c.UsedBytes())
	}
	assert.Zero(t, h.current)
}

func TestWeakResetKeepsRoots(t *testing.T) {
	h := New(2 * cmm.BytesPerPage)
	obj := newNode(h, 1)
	h.Roots.Insert(obj)
	h.WeakReset()
	assert.Len(t, h.Roots.objs, 1)
	for _, c := range h.chunks {
		assert.Zero(t, c.UsedBytes())
	}
}
