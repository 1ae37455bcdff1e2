package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/pagealloc/fam"
)

func init() {
	rootCmd.AddCommand(newFamiliesCmd())
}

func newFamiliesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "families <workload.yaml>",
		Short: "List the families of a workload and how many structures fit in a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workload, err := LoadWorkload(args[0])
			if err != nil {
				return err
			}

			allocator, err := fam.New(newLogger(), fam.CreateOptions{PageSize: workload.PageSize})
			if err != nil {
				return err
			}
			defer allocator.Destroy()

			for _, family := range workload.Families {
				_, err = allocator.Register(family.Name, family.Size)
				if err != nil {
					return err
				}
			}

			table := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(table, "PAGE SIZE\t%s\n", humanize.IBytes(uint64(allocator.PageSize())))
			fmt.Fprintln(table, "FAMILY\tSTRUCT\tPER PAGE")
			for _, info := range allocator.Families() {
				fmt.Fprintf(table, "%s\t%d\t%d\n", info.Name, info.StructSize, allocator.MaxAllocationBytes()/info.StructSize)
			}

			return table.Flush()
		},
	}
	return cmd
}
