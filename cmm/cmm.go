// Package cmm implements a customisable memory manager whose core is a
// mostly-copying, generational, conservative garbage collector.
//
// Programs allocate collected objects with NewObject and friends and mix
// them freely with ordinary Go data. The collector discovers roots
// conservatively: CPU registers and the stack, the program's static data
// segments, regions registered with RegisterRootArea and, when the
// HeapRoots flag is set, the untraced heap served by the uncollected
// heap. Because roots are ambiguous they are never rewritten; instead
// the pages they point into are promoted in place, while everything
// reachable from promoted pages is copied and compacted.
//
// Every type stored in a collected heap registers a traversal function
// with RegisterType. The traversal calls Scavenge on the heap once for
// each pointer field the object embeds:
//
//	type cell struct {
//		_      uintptr // descriptor word
//		next   uintptr
//		value1 uintptr
//	}
//
//	var cellType = cmm.RegisterType("cell", func(h cmm.Heap, base uintptr) {
//		c := (*cell)(unsafe.Pointer(base))
//		h.Scavenge(&c.next)
//		h.Scavenge(&c.value1)
//	})
//
// Collected objects MAY MOVE. Pointers to them may live on the stack, in
// registers and in static storage. They may be stored in untraced heap
// memory only when the HeapRoots flag is set or the region has been
// handed to RegisterRootArea.
//
// The manager is single-threaded: one mutator, collections run to
// completion inside an allocation.
package cmm

import (
	"os"
	"strconv"
	"sync"

	"github.com/gobuffalo/envy"
	"github.com/prometheus/common/log"
)

// Version of the memory manager.
const Version = "1.9"

// Pages are the unit of storage management. Their size is independent of
// the processor's virtual memory page size; it must be a multiple of the
// bitmap word size.
const (
	bytesPerWord = 8
	bitsPerWord  = 8 * bytesPerWord
	bytesPerPage = 512
	wordsPerPage = bytesPerPage / bytesPerWord

	maxSizePerPage = wordsPerPage
)

// Sizing constants for cooperating heaps.
const (
	BytesPerWord = bytesPerWord
	BytesPerPage = bytesPerPage
	WordsPerPage = wordsPerPage
)

// Page is a page number, the address of the page divided by bytesPerPage.
type Page uintptr

// PageOf returns the number of the page containing p.
func PageOf(p uintptr) Page { return Page(p / bytesPerPage) }

// PageBase returns the address of the first byte of page.
func PageBase(page Page) uintptr { return uintptr(page) * bytesPerPage }

// Default heap configuration.
const (
	DefaultMinHeap      = 131072     // bytes of initial heap
	DefaultMaxHeap      = 2147483647 // bytes of the final heap
	DefaultIncHeap      = 1048576    // bytes of each increment
	DefaultGenerational = 35         // % allocated forcing a total collection
	DefaultIncPercent   = 25         // % allocated forcing expansion
	DefaultGCThreshold  = 6000000    // heap size before the companion heap collects
)

// Feature flags.
const (
	HeapRoots = 1 << iota // treat the untraced heap as roots
	TstObj                // extensively test objects
)

// Verbosity bits.
const (
	Stats    = 1 << iota // log collection statistics
	RootLog              // log roots found in registers, stack and static areas
	HeapLog              // log possible untraced heap roots
	DebugLog             // log events internal to the collector
)

// Config carries the tunable parameters of the manager. Passed to Set, a
// zero MinHeap leaves the sizing and percentage fields untouched and a
// zero GCThreshold keeps the current threshold; when MinHeap is set,
// MaxHeap, IncHeap, Generational and IncPercent are taken as given, zero
// included.
type Config struct {
	MinHeap      int // initial heap size in bytes
	MaxHeap      int // cap on total heap size in bytes
	IncHeap      int // expansion increment in bytes
	Generational int // 0..50; 0 disables generational collection
	IncPercent   int // 0..50
	GCThreshold  int // minimum heap size before the companion heap collects
	Flags        int
	Verbose      int
}

// Actual heap configuration. Environment variables named after the
// options with a CMM_ prefix win over values supplied through Set.
var (
	minHeap      = DefaultMinHeap
	maxHeap      = DefaultMaxHeap
	incHeap      = DefaultIncHeap
	generational = DefaultGenerational
	incPercent   = DefaultIncPercent
	gcThreshold  = DefaultGCThreshold
	flags        int
	verbose      int

	defaults = true  // default setting in force
	created  bool    // heap has been created
	initOnce sync.Once
)

// Set configures the manager. It may be called several times before the
// heap is created; the call specifying the largest MaxHeap controls the
// sizing and percentage factors. GCThreshold is taken from any call that
// gives one, and Flags and Verbose accumulate by inclusive-or.
// After the heap exists only values not pinned by the environment are
// updated.
func Set(c Config) {
	if !created && c.MinHeap > 0 && (defaults || c.MaxHeap >= maxHeap) {
		defaults = false
		minHeap = c.MinHeap
		maxHeap = c.MaxHeap
		incHeap = c.IncHeap
		generational = c.Generational
		incPercent = c.IncPercent
		clampConfig()
	}
	if created && c.MinHeap > 0 && (defaults || c.MaxHeap >= maxHeap) {
		defaults = false
		if _, err := envy.MustGet("CMM_MAXHEAP"); err != nil {
			maxHeap = c.MaxHeap
		}
		if _, err := envy.MustGet("CMM_INCHEAP"); err != nil {
			incHeap = c.IncHeap
		}
		if _, err := envy.MustGet("CMM_GENERATIONAL"); err != nil {
			generational = c.Generational
		}
		if _, err := envy.MustGet("CMM_INCPERCENT"); err != nil {
			incPercent = c.IncPercent
		}
		clampConfig()
	}
	if c.GCThreshold > 0 {
		gcThreshold = c.GCThreshold
	}
	flags |= c.Flags
	verbose |= c.Verbose
}

func clampConfig() {
	minHeap = max(minHeap, 4*bytesPerPage)
	maxHeap = max(maxHeap, minHeap)
	if generational < 0 || generational > 50 {
		generational = DefaultGenerational
	}
	if incPercent < 0 || incPercent > 50 {
		incPercent = DefaultIncPercent
	}
}

// Configured reports the configuration in force.
func Configured() Config {
	return Config{
		MinHeap:      minHeap,
		MaxHeap:      maxHeap,
		IncHeap:      incHeap,
		Generational: generational,
		IncPercent:   incPercent,
		GCThreshold:  gcThreshold,
		Flags:        flags,
		Verbose:      verbose,
	}
}

// environmentValue reads one configuration option from the environment.
func environmentValue(name string, value *int) bool {
	s := envy.Get(name, "")
	if s == "" {
		return false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		log.Warnf("ignoring %s=%q: %v", name, s, err)
		return false
	}
	*value = v
	return true
}

// readEnvironment applies the CMM_* environment overrides. The actual
// values used are logged when any variable is supplied or when logging
// is enabled.
func readEnvironment() {
	any := environmentValue("CMM_MINHEAP", &minHeap)
	any = environmentValue("CMM_MAXHEAP", &maxHeap) || any
	any = environmentValue("CMM_INCHEAP", &incHeap) || any
	any = environmentValue("CMM_GENERATIONAL", &generational) || any
	any = environmentValue("CMM_INCPERCENT", &incPercent) || any
	any = environmentValue("CMM_GCTHRESHOLD", &gcThreshold) || any
	any = environmentValue("CMM_FLAGS", &flags) || any
	any = environmentValue("CMM_VERBOSE", &verbose) || any
	if any || verbose != 0 {
		log.Infof("Cmm(%d, %d, %d, %d, %d, %d, %d, %d)",
			minHeap, maxHeap, incHeap, generational,
			incPercent, gcThreshold, flags, verbose)
	}
}

var (
	theDefaultHeap     *DefaultHeap
	theUncollectedHeap *UncollectedHeap

	// currentHeap is the heap NewObject allocates from when none is given.
	currentHeap Heap
)

// Default returns the mostly-copying generational heap.
func Default() *DefaultHeap {
	Init()
	return theDefaultHeap
}

// Uncollected returns the untraced heap.
func Uncollected() *UncollectedHeap {
	Init()
	return theUncollectedHeap
}

// Current returns the heap new objects are allocated from by default.
func Current() Heap {
	Init()
	return currentHeap
}

// SetCurrent redirects default allocation to h.
func SetCurrent(h Heap) { currentHeap = h }

// Init sets up the manager. It is idempotent and called implicitly on
// the first allocation; heap implementations outside this package call
// it from their constructors.
func Init() {
	initOnce.Do(func() {
		if stackBottom == 0 {
			SetStackBottom(stackBase())
		}
		readEnvironment()
		createDirectory()
		theUncollectedHeap = newUncollectedHeap()
		theDefaultHeap = newDefaultHeap()
		currentHeap = theDefaultHeap
	})
}

func whenVerbose(bit int) bool { return verbose&bit != 0 }

func whenFlags(bit int) bool { return flags&bit != 0 }

// IsTraced reports whether p lies in a region examined by the garbage
// collector, that is a page owned by a collected heap.
func IsTraced(p uintptr) bool {
	if dir == nil {
		return false
	}
	page := PageOf(p)
	if dir.outsideSpan(page) {
		return false
	}
	owner := dir.ownerOf(page)
	return owner != nil && owner != theUncollectedHeap
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func fatalf(format string, args ...interface{}) {
	log.Errorf(format, args...)
	os.Exit(1)
}
