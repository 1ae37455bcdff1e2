package fam

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
)

// PrintDetailedMap writes a JSON object describing every family, each of its pages and every
// block in those pages
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	root := writer.Object()
	defer root.End()

	root.Name("PageSize").Int(a.pageSize)
	root.Name("PageHeaderBytes").Int(PageHeaderSize)
	root.Name("BlockHeaderBytes").Int(metadata.BlockHeaderSize)

	familiesObj := root.Name("Families").Object()
	defer familiesObj.End()

	a.registry.VisitFamilies(func(family *PageFamily) bool {
		familyObj := familiesObj.Name(family.name).Object()
		a.printFamily(family, &familyObj)
		familyObj.End()
		return true
	})
}

func (a *Allocator) printFamily(family *PageFamily, json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	family.addDetailedStatistics(&stats)

	json.Name("StructSize").Int(family.structSize)
	json.Name("PageCount").Int(stats.PageCount)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("FreeBlockCount").Int(stats.FreeBlockCount)

	if biggest, ok := family.biggestFreeBlock(); ok {
		json.Name("BiggestFreeBlock").Int(biggest.size)
	} else {
		json.Name("BiggestFreeBlock").Null()
	}

	pagesObj := json.Name("Pages").Object()
	defer pagesObj.End()

	family.visitPages(func(page *vmPage) bool {
		pageObj := pagesObj.Name(strconv.Itoa(page.id)).Object()
		page.metadata.BlockJsonData(&pageObj)
		printPageBlocks(page, &pageObj)
		pageObj.End()
		return true
	})
}

func printPageBlocks(page *vmPage, json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = page.metadata.VisitAllBlocks(func(handle metadata.BlockHandle, offset int, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("ALLOCATED")
		}
		obj.Name("Size").Int(size)

		if slack := page.metadata.Slack(handle); slack > 0 {
			obj.Name("SlackBytes").Int(slack)
		}

		return nil
	})
}
