//go:build cmm_noheader
// +build cmm_noheader

package cmm

import "unsafe"

// Headerless encoding. Object sizes are recovered from the object-start
// bitmap: the distance to the next set bit, or to the end of the page
// group, is the object's extent. An object is forwarded when it is
// marked live while its page is still in FromSpace; the forwarding
// address then lives in the object's first word.
const headerWords = 0

// With no header there is no encodable size limit below the page-group
// maximum; keep the same bound so oversized requests fail identically.
const maxHeaderWords = 1<<20 - 1

func makeTag(index uintptr) uintptr { return index<<21 | 1 }

func makeHeader(words, tag uintptr) uintptr { return tag | words<<1 }

func headerTag(header uintptr) uintptr { return header >> 21 & 0x7FF }

func headerSize(header uintptr) uintptr { return header >> 1 & 0xFFFFF }

func writeObjectHeader(at, words uintptr) uintptr { return at }

// objectWords walks the object map forward until the next object start,
// bounded by the end of the page group.
func objectWords(base uintptr) uintptr {
	next := base + bytesPerWord
	page := PageOf(base)
	if g := dir.groupOf(page); g < 0 {
		page += Page(g)
	}
	limit := PageBase(page + Page(dir.groupOf(page)))
	for next < limit {
		if dir.isObject(next) {
			break
		}
		next += bytesPerWord
	}
	return (next - base) / bytesPerWord
}

func forwarded(base uintptr) bool {
	return dir.isLive(base) && theDefaultHeap.inFromSpace(PageOf(base))
}

func forwardAddr(base uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(base))
}

func setForward(base, to uintptr) {
	dir.markLive(base)
	*(*uintptr)(unsafe.Pointer(base)) = to
}

// writeFiller marks the unused tail of a page as a freespace object with
// a no-op descriptor so that linear sweeps step over it.
func writeFiller(at, words uintptr) {
	*(*uintptr)(unsafe.Pointer(at)) = uintptr(noopType)
	dir.setObjectMap(at)
}

// isObjectBase is always true without headers; fillers carry a no-op
// descriptor and traverse to nothing.
func isObjectBase(base uintptr) bool { return true }

func stepObject(cp uintptr) (base, next uintptr, isObject bool) {
	return cp, cp + objectWords(cp)*bytesPerWord, true
}
