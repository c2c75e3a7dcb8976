package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cmdRecover)
	cmdRecover.AddCommand(cmdRecoverList, cmdRecoverApply)
}

var recoverPID int

func init() {
	cmdRecoverApply.Flags().IntVarP(&recoverPID, "pid", "p", 0, "Target process id")
	_ = cmdRecoverApply.MarkFlagRequired("pid")
}

var cmdRecover = &cobra.Command{
	Use:   "recover",
	Short: "Work with snapshots whose restore could not be verified",
}

var cmdRecoverList = &cobra.Command{
	Use:   "list",
	Short: "List recorded snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl := controller()
		defer ctrl.Close()

		entries, err := ctrl.Recoveries()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No unverified restores recorded")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "[id=%d] pid=%d addr=%#x size=%d recorded=%s cause=%s\n",
				e.ID, e.PID, e.Addr, e.Size, e.Recorded.Format("2006-01-02 15:04:05"), e.Cause)
		}
		return nil
	},
}

var cmdRecoverApply = &cobra.Command{
	Use:   "apply",
	Short: "Write recorded snapshots back into a process",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl := controller()
		defer ctrl.Close()

		var n int
		err := progress(cmd, fmt.Sprintf("Restoring pid %d...", recoverPID), func() error {
			var err error
			n, err = ctrl.Recover(cmd.Context(), recoverPID)
			return err
		})
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Nothing recorded for pid %d\n", recoverPID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %d snapshot(s) of pid %d\n", n, recoverPID)
		return nil
	},
}
