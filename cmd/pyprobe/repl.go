package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"pyprobe/internal/session"
	"pyprobe/internal/tui"
)

func init() {
	rootCmd.AddCommand(cmdREPL)
}

var replPID int

func init() {
	cmdREPL.Flags().IntVarP(&replPID, "pid", "p", 0, "Target process id")
	_ = cmdREPL.MarkFlagRequired("pid")
}

var cmdREPL = &cobra.Command{
	Use:   "repl",
	Short: "Open an interactive prompt inside a running process",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctrl := controller()
		defer ctrl.Close()

		var sess *session.Session
		err = progress(cmd, fmt.Sprintf("Attaching to pid %d...", replPID), func() error {
			var err error
			sess, err = ctrl.Open(cmd.Context(), replPID)
			return err
		})
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, sess.Detach()) }()

		if err := tui.Run(sess); err != nil {
			return fmt.Errorf("repl exited with error: %w", err)
		}
		return nil
	},
}
