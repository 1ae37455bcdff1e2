package fam

import (
	"github.com/vkngwrapper/pagealloc/memutils"
)

func (f *PageFamily) addStatistics(stats *memutils.Statistics) {
	f.visitPages(func(page *vmPage) bool {
		page.metadata.AddStatistics(stats)
		return true
	})
}

func (f *PageFamily) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	f.visitPages(func(page *vmPage) bool {
		page.metadata.AddDetailedStatistics(stats)
		return true
	})
}

// FamilyStats returns page and block counts for the family registered under name
func (a *Allocator) FamilyStats(name string) (memutils.Statistics, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.Statistics
	family, err := a.registry.Lookup(name)
	if err != nil {
		return stats, err
	}

	family.addStatistics(&stats)
	return stats, nil
}

// DetailedFamilyStats returns FamilyStats along with block size extremes and the number of bytes
// lost to hard fragmentation
func (a *Allocator) DetailedFamilyStats(name string) (memutils.DetailedStatistics, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()

	family, err := a.registry.Lookup(name)
	if err != nil {
		return stats, err
	}

	family.addDetailedStatistics(&stats)
	return stats, nil
}

// CalculateStatistics sums the detailed statistics of every family
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Clear()
	a.registry.VisitFamilies(func(family *PageFamily) bool {
		var familyStats memutils.DetailedStatistics
		familyStats.Clear()
		family.addDetailedStatistics(&familyStats)

		stats.AddDetailedStatistics(&familyStats)
		return true
	})
}
