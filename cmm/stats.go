package cmm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/log"
)

const namespace = "cmm"

// Collection counters, exposed through the Collector below and through
// the Stats verbosity bit.
var (
	collectionsCount int
	movedObjects     int
	expansionsCount  int
)

// Collector exposes memory manager statistics as Prometheus metrics.
type Collector struct {
	logger log.Logger

	heapBytes       *prometheus.Desc
	pagesTotal      *prometheus.Desc
	pagesFree       *prometheus.Desc
	pagesUsed       *prometheus.Desc
	pagesStable     *prometheus.Desc
	pagesTable      *prometheus.Desc
	collectionsDesc *prometheus.Desc
	movedDesc       *prometheus.Desc
	expansionsDesc  *prometheus.Desc
}

// NewCollector returns a collector exposing the state of the page
// directory and the default heap.
func NewCollector(logger log.Logger) (*Collector, error) {
	heapBytes := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "heap_bytes"),
		"Total bytes backing the collected heap.", nil, nil,
	)
	pagesTotal := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pages_total"),
		"Pages in the heap.", nil, nil,
	)
	pagesFree := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pages_free"),
		"Pages not yet allocated to any heap.", nil, nil,
	)
	pagesUsed := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pages_used"),
		"Pages in actual use by the default heap.", nil, nil,
	)
	pagesStable := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pages_stable"),
		"Pages in the stable set of the default heap.", nil, nil,
	)
	pagesTable := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pages_table"),
		"Pages used by the page directory tables.", nil, nil,
	)
	collections := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "collections_total"),
		"Garbage collections run.", nil, nil,
	)
	moved := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "moved_objects_total"),
		"Objects copied out of FromSpace by collections.", nil, nil,
	)
	expansions := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "heap_expansions_total"),
		"Times the heap was expanded.", nil, nil,
	)

	return &Collector{
		logger:          logger,
		heapBytes:       heapBytes,
		pagesTotal:      pagesTotal,
		pagesFree:       pagesFree,
		pagesUsed:       pagesUsed,
		pagesStable:     pagesStable,
		pagesTable:      pagesTable,
		collectionsDesc: collections,
		movedDesc:       moved,
		expansionsDesc:  expansions,
	}, nil
}

// Describe gathers descriptions of metrics.
func (c *Collector) Describe(desc chan<- *prometheus.Desc) {
	desc <- c.heapBytes
	desc <- c.pagesTotal
	desc <- c.pagesFree
	desc <- c.pagesUsed
	desc <- c.pagesStable
	desc <- c.pagesTable
	desc <- c.collectionsDesc
	desc <- c.movedDesc
	desc <- c.expansionsDesc
}

// Collect gathers metrics from the page directory.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	Init()
	ch <- prometheus.MustNewConstMetric(
		c.heapBytes, prometheus.GaugeValue, float64(dir.totalPages*bytesPerPage))
	ch <- prometheus.MustNewConstMetric(
		c.pagesTotal, prometheus.GaugeValue, float64(dir.totalPages))
	ch <- prometheus.MustNewConstMetric(
		c.pagesFree, prometheus.GaugeValue, float64(dir.freePages))
	ch <- prometheus.MustNewConstMetric(
		c.pagesUsed, prometheus.GaugeValue, float64(theDefaultHeap.usedPages))
	ch <- prometheus.MustNewConstMetric(
		c.pagesStable, prometheus.GaugeValue, float64(theDefaultHeap.stablePages))
	ch <- prometheus.MustNewConstMetric(
		c.pagesTable, prometheus.GaugeValue, float64(dir.tablePages))
	ch <- prometheus.MustNewConstMetric(
		c.collectionsDesc, prometheus.CounterValue, float64(collectionsCount))
	ch <- prometheus.MustNewConstMetric(
		c.movedDesc, prometheus.CounterValue, float64(movedObjects))
	ch <- prometheus.MustNewConstMetric(
		c.expansionsDesc, prometheus.CounterValue, float64(expansionsCount))
}
