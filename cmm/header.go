//go:build !cmm_noheader
// +build !cmm_noheader

package cmm

import "unsafe"

// Objects carry a one-word header immediately before their base address:
//
//	[tag:11][words:20][mark:1]
//
// mark=1 means the word is a valid header; mark=0 means the whole word
// has been overwritten with a forwarding address. words includes the
// header itself. Freespace fillers have tag 0, alignment pads tag 1 and
// objects tag 2.
const headerWords = 1

const maxHeaderWords = 1<<20 - 1

func makeTag(index uintptr) uintptr { return index<<21 | 1 }

func makeHeader(words, tag uintptr) uintptr { return tag | words<<1 }

func headerTag(header uintptr) uintptr { return header >> 21 & 0x7FF }

func headerSize(header uintptr) uintptr { return header >> 1 & 0xFFFFF }

var freeSpaceTag = makeTag(tagFree)

// writeObjectHeader lays down the header for a new object of the given
// total word count and returns the object base address.
func writeObjectHeader(at, words uintptr) uintptr {
	*(*uintptr)(unsafe.Pointer(at)) = makeHeader(words, makeTag(tagObject))
	return at + headerWords*bytesPerWord
}

// objectWords returns the size in words, header included, of the object
// at base.
func objectWords(base uintptr) uintptr {
	return headerSize(*(*uintptr)(unsafe.Pointer(base - headerWords*bytesPerWord)))
}

// forwarded reports whether the object at base has been moved. A cleared
// low bit means the header word is now a raw address.
func forwarded(base uintptr) bool {
	return *(*uintptr)(unsafe.Pointer(base-headerWords*bytesPerWord))&1 == 0
}

func forwardAddr(base uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(base - headerWords*bytesPerWord))
}

func setForward(base, to uintptr) {
	*(*uintptr)(unsafe.Pointer(base - headerWords*bytesPerWord)) = to
}

// writeFiller closes the unused tail of a page with a freespace object so
// that linear sweeps step over it.
func writeFiller(at, words uintptr) {
	*(*uintptr)(unsafe.Pointer(at)) = makeHeader(words, freeSpaceTag)
}

// isObjectBase reports whether the header before base carries the object
// tag, as opposed to a filler or pad.
func isObjectBase(base uintptr) bool {
	return headerTag(*(*uintptr)(unsafe.Pointer(base-headerWords*bytesPerWord))) == tagObject
}

// stepObject decodes the allocation unit starting at the header address
// cp. It returns the object base, the address of the next header and
// whether the unit is a traversable object rather than a filler or pad.
func stepObject(cp uintptr) (base, next uintptr, isObject bool) {
	header := *(*uintptr)(unsafe.Pointer(cp))
	base = cp + headerWords*bytesPerWord
	next = cp + headerSize(header)*bytesPerWord
	isObject = headerTag(header) == tagObject
	return
}
