package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/pagealloc/internal/vmem"
)

func init() {
	rootCmd.AddCommand(newPageSizeCmd())
}

func newPageSizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pagesize",
		Short: "Print the operating system page size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pageSize := vmem.NewOSMapper().PageSize()
			fmt.Fprintf(cmd.OutOrStdout(), "%d (%s)\n", pageSize, humanize.IBytes(uint64(pageSize)))
			return nil
		},
	}
}
