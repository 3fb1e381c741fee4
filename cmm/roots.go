package cmm

// Areas of memory containing roots are registered with the garbage
// collector. The descriptor table lives in ordinary Go memory and is
// owned by the root-area set.
type rootArea struct {
	addr  uintptr // address of the roots, 0 for a freed slot
	bytes uintptr
}

var rootAreas []rootArea

// RegisterRootArea declares a contiguous region as an ambiguous root
// range: every word in it is treated as a potential pointer on each
// collection.
func RegisterRootArea(addr, bytes uintptr) {
	for i := range rootAreas {
		if rootAreas[i].addr == 0 {
			rootAreas[i] = rootArea{addr, bytes}
			return
		}
	}
	rootAreas = append(rootAreas, rootArea{addr, bytes})
}

// UnregisterRootArea removes a previously registered region.
func UnregisterRootArea(addr uintptr) {
	for i := range rootAreas {
		if rootAreas[i].addr == addr {
			rootAreas[i] = rootArea{}
			return
		}
	}
}

func forEachRootArea(fn func(addr, bytes uintptr)) {
	for _, ra := range rootAreas {
		if ra.addr != 0 {
			fn(ra.addr, ra.bytes)
		}
	}
}

// ForEachAmbiguousRoot applies fn to every word of the conservative root
// set: the register file and stack, the static data segments and the
// registered root areas. Cooperating collectors outside this package
// drive their mark phases with it.
func ForEachAmbiguousRoot(fn func(word uintptr)) {
	Init()
	registerFlush()
	top := currentStackTop()
	for fp := top; fp < stackBottom; fp += bytesPerWord {
		fn(readWord(fp))
	}
	dataSegmentsForEach(func(base, limit uintptr) {
		for fp := base; fp < limit; fp += bytesPerWord {
			fn(readWord(fp))
		}
	})
	forEachRootArea(func(addr, bytes uintptr) {
		for fp := addr; fp < addr+bytes; fp += bytesPerWord {
			fn(readWord(fp))
		}
	})
}
