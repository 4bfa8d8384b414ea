package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sparkrt/sparkos/kernel"
)

var sizesCmd = &cobra.Command{
	Use:   "sizes",
	Short: "Print the size of each kernel type in bytes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tBYTES")
		for _, kind := range kernel.TypeKinds {
			fmt.Fprintf(w, "%s\t%d\n", kind, kernel.TypeSize(kind))
		}
		return w.Flush()
	},
}
