package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cmdVersions)
}

var cmdVersions = &cobra.Command{
	Use:   "versions",
	Short: "List the supported CPython layouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl := controller()
		defer ctrl.Close()

		ds, err := ctrl.Versions()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, d := range ds {
			fmt.Fprintf(out, "%-16s %-22s locals=%s\n", d.Name, d.Constraint, d.Locals)
		}
		return nil
	},
}
