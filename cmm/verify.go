package cmm

// Object and header verification, active when the TstObj flag is set.
// Any inconsistency is fatal with a diagnostic.

// nextObject steps a pointer from one header to the immediately
// consecutive one. Forwarded headers are followed for their size.
func nextObject(xp uintptr) uintptr {
	if headerWords != 0 {
		hdr := readWord(xp)
		if hdr&1 == 0 { // forwarded: size lives at the new location
			return xp + headerSize(readWord(hdr-headerWords*bytesPerWord))*bytesPerWord
		}
		return xp + headerSize(hdr)*bytesPerWord
	}
	return xp + objectWords(xp)*bytesPerWord
}

// verifyObject checks that cp points to an object in the heap; old means
// cp is expected in FromSpace rather than on a fresh destination page.
func verifyObject(cp uintptr, old bool) {
	h := theDefaultHeap
	page := PageOf(cp)
	xp := PageBase(page)

	errn := 0
	switch {
	case page < dir.firstHeapPage:
	case page > dir.lastHeapPage:
		errn = 1
	case dir.spaceOf(page) == unallocatedSpace:
		errn = 2
	case old && h.inFreeSpace(page):
		errn = 3
	case !old && dir.spaceOf(page) != h.nextSpace:
		errn = 4
	default:
		errn = 5
		for cp > xp+headerWords*bytesPerWord {
			xp = nextObject(xp)
		}
		if cp == xp+headerWords*bytesPerWord {
			return
		}
	}
	fatalf("invalid pointer, error: %d pointer: 0x%x", errn, cp)
}

// verifyHeader checks the header of the object at cp: a valid tag, a
// size that stays inside the page, and for page groups the negative
// offset sequence on the continuation pages.
func verifyHeader(cp uintptr) {
	size := objectWords(cp)
	page := PageOf(cp)

	errn := 0
	if forwarded(cp) {
		goto fail
	}
	errn = 1
	if headerWords != 0 && headerTag(readWord(cp-headerWords*bytesPerWord)) > tagObject {
		goto fail
	}
	if size <= maxSizePerPage {
		errn = 2
		if cp-headerWords*bytesPerWord+size*bytesPerWord > PageBase(page+1) {
			goto fail
		}
	} else {
		errn = 3
		pages := dir.groupOf(page)
		if pages < 0 {
			pages = dir.groupOf(page + Page(pages))
		}
		pagex := page
		for ; pages > 1; pages-- {
			pagex++
			if pagex > dir.lastHeapPage ||
				dir.groupOf(pagex) > 0 ||
				dir.spaceOf(pagex) != dir.spaceOf(page) {
				goto fail
			}
		}
	}
	return
fail:
	fatalf("invalid header, error: %d object&: 0x%x", errn, cp)
}
