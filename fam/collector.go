package fam

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/pagealloc/memutils"
)

const metricsNamespace = "pagealloc"

var (
	familyPagesDesc = prometheus.NewDesc(
		metricsNamespace+"_family_pages",
		"The number of VM pages currently mapped for a page family.",
		[]string{"family"},
		nil,
	)
	familyPageBytesDesc = prometheus.NewDesc(
		metricsNamespace+"_family_page_bytes",
		"The number of bytes of mapped page memory held by a page family.",
		[]string{"family"},
		nil,
	)
	familyBlocksDesc = prometheus.NewDesc(
		metricsNamespace+"_family_blocks",
		"The number of blocks across the pages of a page family, by state.",
		[]string{"family", "state"},
		nil,
	)
	familyAllocatedBytesDesc = prometheus.NewDesc(
		metricsNamespace+"_family_allocated_bytes",
		"The number of payload bytes handed out by a page family.",
		[]string{"family"},
		nil,
	)
	familyFreeBytesDesc = prometheus.NewDesc(
		metricsNamespace+"_family_free_bytes",
		"The number of payload bytes in the free blocks of a page family.",
		[]string{"family"},
		nil,
	)
	familyHardFragmentationBytesDesc = prometheus.NewDesc(
		metricsNamespace+"_family_hard_fragmentation_bytes",
		"The number of bytes attached to allocations that were too small to become free blocks.",
		[]string{"family"},
		nil,
	)
	familiesDesc = prometheus.NewDesc(
		metricsNamespace+"_families",
		"The number of registered page families.",
		nil,
		nil,
	)
)

// Collector exports the statistics of every family of an Allocator as Prometheus gauges
type Collector struct {
	allocator *Allocator
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector for allocator. It reads the allocator while collecting, so an
// allocator created without AllocatorCreateSynchronized must not be in use during a scrape.
func NewCollector(allocator *Allocator) *Collector {
	return &Collector{allocator: allocator}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- familyPagesDesc
	descs <- familyPageBytesDesc
	descs <- familyBlocksDesc
	descs <- familyAllocatedBytesDesc
	descs <- familyFreeBytesDesc
	descs <- familyHardFragmentationBytesDesc
	descs <- familiesDesc
}

type familySnapshot struct {
	name  string
	stats memutils.DetailedStatistics
}

func (c *Collector) snapshot() []familySnapshot {
	a := c.allocator
	a.mutex.Lock()
	defer a.mutex.Unlock()

	snapshots := make([]familySnapshot, 0, a.registry.FamilyCount())
	a.registry.VisitFamilies(func(family *PageFamily) bool {
		snapshot := familySnapshot{name: family.name}
		snapshot.stats.Clear()
		family.addDetailedStatistics(&snapshot.stats)
		snapshots = append(snapshots, snapshot)
		return true
	})

	return snapshots
}

func (c *Collector) Collect(m chan<- prometheus.Metric) {
	snapshots := c.snapshot()

	for _, snapshot := range snapshots {
		stats := snapshot.stats
		m <- prometheus.MustNewConstMetric(familyPagesDesc, prometheus.GaugeValue, float64(stats.PageCount), snapshot.name)
		m <- prometheus.MustNewConstMetric(familyPageBytesDesc, prometheus.GaugeValue, float64(stats.PageBytes), snapshot.name)
		m <- prometheus.MustNewConstMetric(familyBlocksDesc, prometheus.GaugeValue, float64(stats.FreeBlockCount), snapshot.name, "free")
		m <- prometheus.MustNewConstMetric(familyBlocksDesc, prometheus.GaugeValue, float64(stats.AllocationCount), snapshot.name, "allocated")
		m <- prometheus.MustNewConstMetric(familyAllocatedBytesDesc, prometheus.GaugeValue, float64(stats.AllocationBytes), snapshot.name)
		m <- prometheus.MustNewConstMetric(familyFreeBytesDesc, prometheus.GaugeValue, float64(stats.FreeBytes), snapshot.name)
		m <- prometheus.MustNewConstMetric(familyHardFragmentationBytesDesc, prometheus.GaugeValue, float64(stats.HardFragmentationBytes), snapshot.name)
	}

	m <- prometheus.MustNewConstMetric(familiesDesc, prometheus.GaugeValue, float64(len(snapshots)))
}
