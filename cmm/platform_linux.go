package cmm

import (
	"os"
	"unsafe"

	"github.com/prometheus/common/log"
	"github.com/prometheus/procfs"
)

// The platform interface behind conservative root discovery is three
// operations: registerFlush forces live values out of registers,
// dataSegmentsForEach enumerates the static data segments and stackBase
// finds the bottom of the stack. Everything here reads raw machine words
// through pointer-sized integers, never through typed references.

// stackBottom is the address past which the stack scan stops. It is
// discovered at Init time and may be overridden with SetStackBottom when
// collections run on a stack the platform layer cannot see.
var stackBottom uintptr

// SetStackBottom records the base of the stack that ambiguous root scans
// walk up to.
func SetStackBottom(addr uintptr) { stackBottom = addr }

// registerFlush forces callee state onto the stack. Crossing a
// no-inline call boundary spills whatever the caller kept in registers.
//
//go:noinline
func registerFlush() {}

// currentStackTop returns an address below the caller's live frame; the
// stack grows downward, so scanning proceeds from here up to
// stackBottom.
//
//go:noinline
func currentStackTop() uintptr {
	var marker uintptr
	return uintptr(unsafe.Pointer(&marker))
}

// stackBase reads the process stack bottom from the memory map.
func stackBase() uintptr {
	maps, err := selfMaps()
	if err != nil {
		log.Warnf("cannot determine stack bottom: %v", err)
		return 0
	}
	for _, m := range maps {
		if m.Pathname == "[stack]" {
			return uintptr(m.EndAddr)
		}
	}
	return 0
}

// dataSegmentsForEach applies the callback to every static data segment
// of the running binary: the writable file-backed mappings of the
// executable and the anonymous mappings that follow them (the zero
// initialised data).
func dataSegmentsForEach(fn func(base, limit uintptr)) {
	maps, err := selfMaps()
	if err != nil {
		log.Warnf("cannot enumerate data segments: %v", err)
		return
	}
	exe, err := os.Executable()
	if err != nil {
		exe = ""
	}
	var lastExeEnd uintptr
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Write || m.Perms.Execute {
			if m.Pathname == exe {
				lastExeEnd = uintptr(m.EndAddr)
			}
			continue
		}
		switch {
		case m.Pathname == exe:
			fn(uintptr(m.StartAddr), uintptr(m.EndAddr))
			lastExeEnd = uintptr(m.EndAddr)
		case m.Pathname == "" && uintptr(m.StartAddr) == lastExeEnd && lastExeEnd != 0:
			// bss: anonymous continuation of the last executable mapping.
			fn(uintptr(m.StartAddr), uintptr(m.EndAddr))
			lastExeEnd = uintptr(m.EndAddr)
		}
	}
}

func selfMaps() ([]*procfs.ProcMap, error) {
	p, err := procfs.Self()
	if err != nil {
		return nil, err
	}
	return p.ProcMaps()
}
