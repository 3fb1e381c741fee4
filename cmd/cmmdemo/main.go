// Command cmmdemo exercises the memory manager under a configurable
// workload and exposes its statistics as Prometheus metrics.
package main

import (
	"net/http"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/povilasv/prommod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	"github.com/prometheus/common/version"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/Unipisa/CMM/cmm"
)

var (
	listenAddress = kingpin.Flag("web.listen-address",
		"Address on which to expose metrics.").Default("").String()
	metricsPath = kingpin.Flag("web.telemetry-path",
		"Path under which to expose metrics.").Default("/metrics").String()

	minHeap = kingpin.Flag("heap.min",
		"Initial heap size in bytes.").Envar("CMM_MINHEAP").Default("131072").Int()
	maxHeap = kingpin.Flag("heap.max",
		"Maximum heap size in bytes.").Envar("CMM_MAXHEAP").Default("2147483647").Int()
	incHeap = kingpin.Flag("heap.inc",
		"Heap expansion increment in bytes.").Envar("CMM_INCHEAP").Default("1048576").Int()
	generational = kingpin.Flag("heap.generational",
		"Percent allocated after a partial collection that forces a total one (0 disables).").
		Envar("CMM_GENERATIONAL").Default("35").Int()
	incPercent = kingpin.Flag("heap.inc-percent",
		"Percent allocated after a total collection that forces expansion.").
		Envar("CMM_INCPERCENT").Default("25").Int()
	heapRoots = kingpin.Flag("heap.roots",
		"Scan the untraced heap for roots.").Envar("CMM_HEAPROOTS").Default("true").Bool()
	testObjects = kingpin.Flag("heap.test-objects",
		"Extensively verify objects during collection.").Envar("CMM_TSTOBJ").Bool()
	verbose = kingpin.Flag("heap.verbose",
		"Verbosity bitset: 1 stats, 2 root log, 4 heap log, 8 debug log.").
		Envar("CMM_VERBOSE").Default("0").Int()

	cells = kingpin.Flag("workload.cells",
		"Cells to allocate in the demonstration workload.").Default("5000").Int()
)

// cellFields is the layout of the demonstration workload type: a list
// node whose value1
// points at its own value2, so that collections must update both the
// next links and the derived interior pointer.
type cellFields struct {
	_      uintptr // descriptor
	next   uintptr
	value1 uintptr
	value2 uintptr
}

var cellType cmm.TypeID

func cellAt(base uintptr) *cellFields { return (*cellFields)(unsafe.Pointer(base)) }

func newCell() uintptr {
	base := cmm.NewObject(unsafe.Sizeof(cellFields{}), nil)
	cmm.SetObjectType(base, cellType)
	return base
}

func init() {
	cellType = cmm.RegisterType("cell", func(h cmm.Heap, base uintptr) {
		c := cellAt(base)
		h.Scavenge(&c.next)
		h.Scavenge(&c.value1)
	})
}

// runWorkload builds an untraced array of collected cells plus a chain
// of self-referential cells, with enough garbage in between to force
// collections, then verifies every value survived.
func runWorkload(n int) error {
	pointers := cmm.Uncollected().Alloc(uintptr(n) * cmm.BytesPerWord)

	for i := 0; i < n; i++ {
		cp := newCell()
		cellAt(cp).value2 = uintptr(i)
		*(*uintptr)(unsafe.Pointer(pointers + uintptr(i)*cmm.BytesPerWord)) = cp
	}

	var cl uintptr
	for i := 0; i < n; i++ {
		newCell() // garbage
		newCell() // garbage
		newCell() // garbage
		cp := newCell()
		c := cellAt(cp)
		c.next = cl
		c.value1 = cp + 3*cmm.BytesPerWord // &value2
		c.value2 = uintptr(i)
		cl = cp
	}

	for i := 0; i < n; i++ {
		cp := *(*uintptr)(unsafe.Pointer(pointers + uintptr(i)*cmm.BytesPerWord))
		if got := cellAt(cp).value2; got != uintptr(i) {
			log.Errorf("cell %d not valid: value2 = %d", i, got)
			return errInvalidCell
		}
	}
	for i := n - 1; i >= 0; i-- {
		c := cellAt(cl)
		if c.value1 != cl+3*cmm.BytesPerWord {
			log.Errorln("cell list damaged")
			return errInvalidCell
		}
		cl = c.next
	}
	cmm.Uncollected().Reclaim(pointers)
	return nil
}

var errInvalidCell = errors.New("workload cell damaged")

func main() {
	prometheus.MustRegister(version.NewCollector("cmmdemo"))
	prometheus.MustRegister(prommod.NewCollector("cmmdemo"))

	log.AddFlags(kingpin.CommandLine)
	kingpin.Version(version.Print("cmmdemo"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	cfg := cmm.Config{
		MinHeap:      *minHeap,
		MaxHeap:      *maxHeap,
		IncHeap:      *incHeap,
		Generational: *generational,
		IncPercent:   *incPercent,
		Verbose:      *verbose,
	}
	if *heapRoots {
		cfg.Flags |= cmm.HeapRoots
	}
	if *testObjects {
		cfg.Flags |= cmm.TstObj
	}
	cmm.Set(cfg)
	cmm.Init()

	collector, err := cmm.NewCollector(log.Base())
	if err != nil {
		log.Fatalf("couldn't create collector: %s", err)
	}
	prometheus.MustRegister(collector)

	if err := runWorkload(*cells); err != nil {
		log.Fatalf("workload failed: %s", err)
	}
	cmm.Default().Collect()
	log.Infof("workload of %d cells verified", *cells)

	if *listenAddress == "" {
		return
	}
	http.Handle(*metricsPath, promhttp.Handler())
	log.Infoln("listening on", *listenAddress)
	log.Fatal(http.ListenAndServe(*listenAddress, nil))
}
