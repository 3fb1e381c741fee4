package cmm

import (
	"unsafe"

	"github.com/prometheus/common/log"
)

// Allocation unit tags.
const (
	tagFree   = 0 // freespace filler closing a page
	tagPad    = 1 // alignment pad (reserved; words are already 8 bytes)
	tagObject = 2 // live object
)

// TypeID identifies a registered collected type. The first word of every
// collected object holds the TypeID of its type; allocation writes the
// no-op id there before the caller initialises the object, so a
// collection triggered mid-construction finds a traversable object.
type TypeID uintptr

// TraverseFunc enumerates the outgoing pointer fields of the object at
// base by calling h.Scavenge once for each of them.
type TraverseFunc func(h Heap, base uintptr)

type objectType struct {
	name     string
	traverse TraverseFunc
}

var typeTable []objectType

func init() {
	typeTable = []objectType{
		{name: "noop", traverse: func(Heap, uintptr) {}},
		{name: "array", traverse: traverseArray},
	}
}

const (
	noopType  TypeID = 0
	arrayType TypeID = 1
)

// RegisterType associates a traversal function with a new collected
// type. Types are expected to be registered during program start-up,
// before the first collection can run.
func RegisterType(name string, traverse TraverseFunc) TypeID {
	typeTable = append(typeTable, objectType{name: name, traverse: traverse})
	return TypeID(len(typeTable) - 1)
}

// TypeOf returns the descriptor stored in the object's first word.
func TypeOf(base uintptr) TypeID {
	return TypeID(*(*uintptr)(unsafe.Pointer(base)))
}

// SetObjectType stores t in the object's descriptor word. It is the
// caller's constructor step after NewObject.
func SetObjectType(base uintptr, t TypeID) {
	*(*uintptr)(unsafe.Pointer(base)) = uintptr(t)
}

func traverseObject(h Heap, base uintptr) {
	t := TypeOf(base)
	if t >= TypeID(len(typeTable)) {
		log.Debugf("object 0x%x carries unknown type %d, not traversed", base, t)
		return
	}
	typeTable[t].traverse(h, base)
}

// visitObject marks an object reached in another heap's discipline and
// traverses it unless it was already reached in this collection.
func visitObject(h Heap, base uintptr) {
	if !dir.isLive(base) {
		dir.markLive(base)
		traverseObject(h, base)
	}
}

// bytesToWords rounds a byte size up to whole words and accounts for the
// header.
func bytesToWords(bytes uintptr) uintptr {
	return (bytes+bytesPerWord-1)/bytesPerWord + headerWords
}

// NewObject allocates a collected object of size bytes from h (the
// current heap when h is nil). The descriptor word is initialised to the
// no-op type and the object-start bit is set.
func NewObject(size uintptr, h Heap) uintptr {
	if h == nil {
		h = Current()
	}
	obj := h.Alloc(size)
	SetObjectType(obj, noopType)
	if !dir.outsideSpan(PageOf(obj)) {
		dir.setObjectMap(obj)
	}
	return obj
}

// NewVarObject allocates a variable-size object: size bytes of fixed
// part followed by extra bytes chosen at run time.
func NewVarObject(size, extra uintptr, h Heap) uintptr {
	return NewObject(size+extra, h)
}

// Arrays of collected objects are a single object whose elements are
// traversed in place. Layout, in words after the descriptor: count,
// element type, element size in words, then the elements.
const arrayHeaderWords = 4

// NewArray allocates an array of count elements of elemWords words each,
// all of the registered type elem.
func NewArray(count, elemWords uintptr, elem TypeID, h Heap) uintptr {
	size := (arrayHeaderWords + count*elemWords) * bytesPerWord
	base := NewObject(size, h)
	words := (*[3]uintptr)(unsafe.Pointer(base + bytesPerWord))
	words[0] = count
	words[1] = uintptr(elem)
	words[2] = elemWords
	SetObjectType(base, arrayType)
	return base
}

// ArrayElem returns the address of element i of an array object.
func ArrayElem(base, i uintptr) uintptr {
	elemWords := *(*uintptr)(unsafe.Pointer(base + 3*bytesPerWord))
	return base + (arrayHeaderWords+i*elemWords)*bytesPerWord
}

func traverseArray(h Heap, base uintptr) {
	words := (*[3]uintptr)(unsafe.Pointer(base + bytesPerWord))
	count, elem, elemWords := words[0], TypeID(words[1]), words[2]
	if elem >= TypeID(len(typeTable)) {
		return
	}
	p := base + arrayHeaderWords*bytesPerWord
	for i := uintptr(0); i < count; i++ {
		typeTable[elem].traverse(h, p)
		p += elemWords * bytesPerWord
	}
}

// ObjectWords returns the size in words, header included, of the object
// at base.
func ObjectWords(base uintptr) uintptr { return objectWords(base) }

// ObjectBytes returns the payload size in bytes of the object at base.
func ObjectBytes(base uintptr) uintptr {
	return (objectWords(base) - headerWords) * bytesPerWord
}

// BasePointer maps an address anywhere inside an object to the object's
// base by walking the object map backwards from p's bit position. It
// returns 0 when no object start is recorded below p within the heap
// span; such a pointer is ambiguous and must be ignored by the caller.
func BasePointer(p uintptr) uintptr {
	p &^= bytesPerWord - 1

	index, mask := dir.mapPosition(p)
	lowest := uintptr(dir.firstHeapPage) * bytesPerPage
	bits := dir.objectMap[index]
	for {
		for mask != 0 {
			if bits&mask != 0 {
				return p
			}
			mask >>= 1
			p -= bytesPerWord
		}
		if p < lowest || index == 0 {
			return 0
		}
		index--
		bits = dir.objectMap[index]
		mask = 1 << (bitsPerWord - 1)
	}
}

// Forwarded reports whether the object at base has been moved by a
// collection. Following a forward a second time is a no-op.
func Forwarded(base uintptr) bool { return forwarded(base) }

// ForwardAddr returns the address the object at base was moved to.
func ForwardAddr(base uintptr) uintptr { return forwardAddr(base) }

// SetForward records that the object at base now lives at to.
func SetForward(base, to uintptr) { setForward(base, to) }

// CloneObjectAt copies the object at src, header included, onto the raw
// storage at. It sets the object-start bit for the copy and returns its
// base. The destination must provide ObjectWords(src) words.
func CloneObjectAt(at, src uintptr) uintptr {
	words := objectWords(src)
	if headerWords != 0 {
		writeWord(at, readWord(src-headerWords*bytesPerWord))
		at += headerWords * bytesPerWord
	}
	memmoveWords(at, src, words-headerWords)
	if !dir.outsideSpan(PageOf(at)) {
		dir.setObjectMap(at)
	}
	return at
}

// TraverseObject dispatches the registered traversal of the object at
// base, directing its Scavenge calls at h.
func TraverseObject(h Heap, base uintptr) { traverseObject(h, base) }

// ObjectWordsFor returns the words, header included, that an allocation
// of size bytes occupies.
func ObjectWordsFor(size uintptr) uintptr { return bytesToWords(size) }

// ObjectHeaderBytes is the distance from an allocation unit to the
// object base it carries.
const ObjectHeaderBytes = headerWords * bytesPerWord

// FormatObject lays down the header for a fresh object of size bytes on
// the raw storage at, sets its object-start bit and returns its base.
// Heaps outside this package use it to serve Alloc from their own
// storage.
func FormatObject(at, size uintptr) uintptr {
	base := writeObjectHeader(at, bytesToWords(size))
	if !dir.outsideSpan(PageOf(base)) {
		dir.setObjectMap(base)
	}
	return base
}

// MarkLive sets the live bit of the object at addr for the collection in
// progress.
func MarkLive(addr uintptr) { dir.markLive(addr) }

// IsLive reports whether the object at addr was reached in the
// collection in progress.
func IsLive(addr uintptr) bool { return dir.isLive(addr) }

// readWord reads a candidate pointer as a raw machine word.
func readWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// writeWord stores a raw machine word.
func writeWord(addr, val uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = val
}

// memclr zeroes bytes of raw memory starting at addr.
func memclr(addr, bytes uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), bytes)
	for i := range b {
		b[i] = 0
	}
}

// memmoveWords copies words machine words from src to dst.
func memmoveWords(dst, src, words uintptr) {
	d := unsafe.Slice((*uintptr)(unsafe.Pointer(dst)), words)
	s := unsafe.Slice((*uintptr)(unsafe.Pointer(src)), words)
	copy(d, s)
}
