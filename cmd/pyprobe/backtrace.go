package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pyprobe/internal/app"
)

func init() {
	rootCmd.AddCommand(cmdBacktrace)
}

var (
	btPID      int
	btMaxDepth int
	btNoLocals bool
)

func init() {
	cmdBacktrace.Flags().IntVarP(&btPID, "pid", "p", 0, "Target process id")
	cmdBacktrace.Flags().IntVar(&btMaxDepth, "max-depth", 0, "Stop after this many frames (0 uses the config value)")
	cmdBacktrace.Flags().BoolVar(&btNoLocals, "no-locals", false, "Do not read local variables")
	_ = cmdBacktrace.MarkFlagRequired("pid")
}

var cmdBacktrace = &cobra.Command{
	Use:     "backtrace",
	Aliases: []string{"bt"},
	Short:   "Print the Python stack of a running process",
	Long:    `Attaches to the target, walks the Python frames of the thread holding the interpreter lock, innermost first, and detaches.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl := controller()
		defer ctrl.Close()

		var res app.BacktraceResult
		err := progress(cmd, fmt.Sprintf("Attaching to pid %d...", btPID), func() error {
			var err error
			res, err = ctrl.Backtrace(cmd.Context(), app.BacktraceParams{
				PID:      btPID,
				MaxDepth: btMaxDepth,
				NoLocals: btNoLocals,
			})
			return err
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pid %d: %s %s (%s)\n", res.Info.PID, res.Info.Runtime, res.Info.Version, res.Info.Descriptor)
		if len(res.Frames) == 0 {
			fmt.Fprintln(out, "No Python frames")
			return nil
		}
		for _, rec := range res.Frames {
			fmt.Fprintln(out, rec.String())
		}
		return nil
	},
}
