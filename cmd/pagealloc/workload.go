package main

import (
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pagealloc/fam"
	"gopkg.in/yaml.v3"
)

// unlabeledPrefix keys allocations that were given no label in the live allocation map
const unlabeledPrefix = "#"

// Workload is a scripted sequence of allocator operations read from YAML
//
//	pageSize: 8192
//	families:
//	  - name: emp_t
//	    size: 64
//	operations:
//	  - alloc: {family: emp_t, count: 2, label: first}
//	  - free: first
type Workload struct {
	PageSize   int          `yaml:"pageSize"`
	Families   []FamilySpec `yaml:"families"`
	Operations []Operation  `yaml:"operations"`
}

type FamilySpec struct {
	Name string `yaml:"name"`
	Size int    `yaml:"size"`
}

// Operation is exactly one of an allocation or the free of a previously labeled allocation
type Operation struct {
	Alloc *AllocOperation `yaml:"alloc,omitempty"`
	Free  string          `yaml:"free,omitempty"`
}

type AllocOperation struct {
	Family string `yaml:"family"`
	Count  int    `yaml:"count"`
	Label  string `yaml:"label"`
}

func LoadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read workload %s", path)
	}

	return ParseWorkload(data)
}

func ParseWorkload(data []byte) (*Workload, error) {
	var workload Workload
	err := yaml.Unmarshal(data, &workload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse workload")
	}

	err = workload.validate()
	if err != nil {
		return nil, err
	}

	return &workload, nil
}

func (w *Workload) validate() error {
	labels := make(map[string]bool)
	for index, op := range w.Operations {
		switch {
		case op.Alloc != nil && op.Free != "":
			return errors.Newf("operation %d has both alloc and free", index)
		case op.Alloc != nil:
			if op.Alloc.Label == "" {
				continue
			}
			if strings.HasPrefix(op.Alloc.Label, unlabeledPrefix) {
				return errors.Newf("operation %d uses the label %q; labels starting with %q are reserved", index, op.Alloc.Label, unlabeledPrefix)
			}
			if labels[op.Alloc.Label] {
				return errors.Newf("operation %d reuses the live label %q", index, op.Alloc.Label)
			}
			labels[op.Alloc.Label] = true
		case op.Free != "":
			if !labels[op.Free] {
				return errors.Newf("operation %d frees %q, which is not a live allocation", index, op.Free)
			}
			delete(labels, op.Free)
		default:
			return errors.Newf("operation %d has neither alloc nor free", index)
		}
	}

	return nil
}

// Execute registers the workload's families with allocator and runs its operations in order.
// It returns the allocations that were still live at the end, keyed by label; unlabeled
// allocations are keyed by their operation index.
func (w *Workload) Execute(allocator *fam.Allocator) (map[string]unsafe.Pointer, error) {
	for _, family := range w.Families {
		_, err := allocator.Register(family.Name, family.Size)
		if err != nil {
			return nil, err
		}
	}

	live := make(map[string]unsafe.Pointer)
	for index, op := range w.Operations {
		if op.Alloc != nil {
			ptr, err := allocator.Alloc(op.Alloc.Family, op.Alloc.Count)
			if err != nil {
				return live, errors.Wrapf(err, "operation %d", index)
			}

			label := op.Alloc.Label
			if label == "" {
				label = unlabeledPrefix + strconv.Itoa(index)
			}
			live[label] = ptr
			continue
		}

		err := allocator.Free(live[op.Free])
		if err != nil {
			return live, errors.Wrapf(err, "operation %d", index)
		}
		delete(live, op.Free)
	}

	return live, nil
}
