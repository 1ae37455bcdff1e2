package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/pagealloc/fam"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workload.yaml>",
		Short: "Run a workload and report family statistics",
		Long: `The run command registers the families named in a workload file, performs
its allocations and frees in order and reports the state of every family once
the script completes. Allocations still live at the end are freed before the
allocator is destroyed.

Example:
  pagealloc run workload.yaml
  pagealloc run workload.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workload, err := LoadWorkload(args[0])
			if err != nil {
				return err
			}

			return runWorkload(cmd.OutOrStdout(), workload)
		},
	}
	return cmd
}

func runWorkload(out io.Writer, workload *Workload) (err error) {
	allocator, err := fam.New(newLogger(), fam.CreateOptions{PageSize: workload.PageSize})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, allocator.Destroy())
	}()

	live, err := workload.Execute(allocator)
	if err != nil {
		return err
	}

	if jsonOut {
		writer := jwriter.NewWriter()
		allocator.PrintDetailedMap(&writer)
		if writer.Error() != nil {
			return writer.Error()
		}
		_, err = fmt.Fprintln(out, string(writer.Bytes()))
		if err != nil {
			return err
		}
	} else {
		err = printFamilyTable(out, allocator)
		if err != nil {
			return err
		}
	}

	for label, ptr := range live {
		err = allocator.Free(ptr)
		if err != nil {
			return errors.Wrapf(err, "failed to free %q", label)
		}
	}

	return nil
}

func printFamilyTable(out io.Writer, allocator *fam.Allocator) error {
	table := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "FAMILY\tSTRUCT\tPAGES\tALLOCATIONS\tIN USE\tFREE BLOCKS\tLARGEST FREE\tSLACK")

	for _, info := range allocator.Families() {
		stats, err := allocator.DetailedFamilyStats(info.Name)
		if err != nil {
			return err
		}

		largest := "-"
		if stats.FreeBlockCount > 0 {
			largest = humanize.IBytes(uint64(stats.FreeSizeMax))
		}

		fmt.Fprintf(table, "%s\t%s\t%d\t%d\t%s\t%d\t%s\t%s\n",
			info.Name,
			humanize.IBytes(uint64(info.StructSize)),
			stats.PageCount,
			stats.AllocationCount,
			humanize.IBytes(uint64(stats.AllocationBytes)),
			stats.FreeBlockCount,
			largest,
			humanize.IBytes(uint64(stats.HardFragmentationBytes)),
		)
	}

	return table.Flush()
}
