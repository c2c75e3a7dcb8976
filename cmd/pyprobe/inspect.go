package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pyprobe/internal/session"
)

func init() {
	rootCmd.AddCommand(cmdInspect)
}

var inspectPID int

func init() {
	cmdInspect.Flags().IntVarP(&inspectPID, "pid", "p", 0, "Target process id")
	_ = cmdInspect.MarkFlagRequired("pid")
}

var cmdInspect = &cobra.Command{
	Use:   "inspect",
	Short: "Show what an attach would do, without changing the target",
	Long:  `Discovers the target's architecture and CPython version, picks the layout descriptor and companion library, and prints the injection stub it would run. Nothing is written to the target.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl := controller()
		defer ctrl.Close()

		var rep session.Report
		err := progress(cmd, fmt.Sprintf("Inspecting pid %d...", inspectPID), func() error {
			var err error
			rep, err = ctrl.Inspect(cmd.Context(), inspectPID)
			return err
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pid:        %d\n", rep.Info.PID)
		fmt.Fprintf(out, "exe:        %s\n", rep.Info.Exe)
		fmt.Fprintf(out, "arch:       %s\n", rep.Info.Arch)
		fmt.Fprintf(out, "version:    %s (%s)\n", rep.Info.Version, rep.Info.Runtime)
		fmt.Fprintf(out, "descriptor: %s\n", rep.Descriptor.Name)
		fmt.Fprintf(out, "library:    %s\n", rep.Library)
		loader := "dlopen"
		if rep.Symbols.Internal {
			loader = "__libc_dlopen_mode"
		}
		fmt.Fprintf(out, "loader:     %s at %#x\n", loader, rep.Symbols.Dlopen)
		fmt.Fprintf(out, "stub (thread %d):\n", rep.TID)
		for _, line := range rep.Stub {
			fmt.Fprintf(out, "  %s\n", line)
		}
		return nil
	},
}
