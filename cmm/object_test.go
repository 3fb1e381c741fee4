package cmm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncoding(t *testing.T) {
	cases := []struct {
		name  string
		words uintptr
		tag   uintptr
	}{
		{"one word", 1, tagObject},
		{"typical", 12, tagObject},
		{"filler", 60, tagFree},
		{"pad", 1, tagPad},
		{"maximum", maxHeaderWords, tagObject},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			hdr := makeHeader(c.words, makeTag(c.tag))
			assert.Equal(t, c.words, headerSize(hdr))
			assert.Equal(t, c.tag, headerTag(hdr))
			assert.Equal(t, uintptr(1), hdr&1, "mark bit must distinguish headers from forwards")
		})
	}
}

func TestBytesToWords(t *testing.T) {
	assert.Equal(t, uintptr(headerWords+1), bytesToWords(1))
	assert.Equal(t, uintptr(headerWords+1), bytesToWords(bytesPerWord))
	assert.Equal(t, uintptr(headerWords+2), bytesToWords(bytesPerWord+1))
	assert.Equal(t, uintptr(headerWords+4), bytesToWords(cellBytes))
}

func TestNewObjectStartsTraversable(t *testing.T) {
	anchorStack()
	obj := NewObject(cellBytes, nil)
	assert.Equal(t, noopType, TypeOf(obj),
		"fresh object must carry the no-op descriptor until its constructor runs")
	// Traversing it must be safe even before the constructor.
	traverseObject(theDefaultHeap, obj)
}

func TestArrayLayoutAndTraversal(t *testing.T) {
	anchorStack()
	const count = 8
	elemWords := bytesToWords(cellBytes) - headerWords

	arr := NewArray(count, elemWords, cellType, nil)
	require.Equal(t, arrayType, TypeOf(arr))

	targets := make([]uintptr, count)
	rootSlice(t, targets)

	for i := uintptr(0); i < count; i++ {
		elem := ArrayElem(arr, i)
		c := cellAt(elem)
		c.value2 = i
		cp := newCell(nil)
		cellAt(cp).value2 = 1000 + i
		c.next = cp
		targets[i] = cp
	}

	// Element addresses must tile the payload.
	assert.Equal(t, ArrayElem(arr, 0)+elemWords*bytesPerWord, ArrayElem(arr, 1))

	arrRoot := make([]uintptr, 1)
	arrRoot[0] = arr
	rootSlice(t, arrRoot)

	runCollect()

	for i := uintptr(0); i < count; i++ {
		c := cellAt(ArrayElem(arr, i))
		require.Equal(t, i, c.value2, "array element %d damaged", i)
		require.Equal(t, uintptr(1000+i), cellAt(c.next).value2,
			"array element %d lost its referent", i)
	}
}

func TestCloneObjectPreservesPayload(t *testing.T) {
	anchorStack()
	src := newCell(nil)
	c := cellAt(src)
	c.value1 = 7
	c.value2 = 11

	words := objectWords(src)
	buf := make([]uintptr, words)
	at := uintptr(unsafe.Pointer(&buf[0]))
	clone := CloneObjectAt(at, src)

	assert.Equal(t, at+ObjectHeaderBytes, clone)
	cc := cellAt(clone)
	assert.Equal(t, uintptr(7), cc.value1)
	assert.Equal(t, uintptr(11), cc.value2)
	assert.Equal(t, words, objectWords(clone))
}

func TestIsTraced(t *testing.T) {
	anchorStack()
	obj := newCell(nil)
	assert.True(t, IsTraced(obj), "collected object must be traced")

	raw := theUncollectedHeap.Alloc(64)
	assert.False(t, IsTraced(raw), "untraced allocation reported as traced")
	theUncollectedHeap.Reclaim(raw)

	var local int
	assert.False(t, IsTraced(uintptr(unsafe.Pointer(&local))))
}

func TestUncollectedHeapRangesAndScan(t *testing.T) {
	anchorStack()
	u := theUncollectedHeap

	p := u.Alloc(4 * bytesPerWord)
	require.NotZero(t, p)
	assert.True(t, u.Inside(p))
	assert.True(t, u.Inside(p+3*bytesPerWord))
	assert.False(t, u.Inside(p+4096))

	u.Reclaim(p)
	assert.False(t, u.Inside(p), "reclaimed range still inside the heap")
}
