package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pyprobe/internal/probeerr"
	"pyprobe/internal/value"
)

func init() {
	rootCmd.AddCommand(cmdEval)
}

var evalPID int

func init() {
	cmdEval.Flags().IntVarP(&evalPID, "pid", "p", 0, "Target process id")
	_ = cmdEval.MarkFlagRequired("pid")
}

var cmdEval = &cobra.Command{
	Use:   "eval --pid N <expr>",
	Short: "Evaluate Python code inside a running process",
	Long:  `Attaches to the target, evaluates the code in the context of its main module and prints a preview of the result. An exception raised by the code is printed with its traceback.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl := controller()
		defer ctrl.Close()

		expr := strings.Join(args, " ")
		var v value.Value
		err := progress(cmd, fmt.Sprintf("Attaching to pid %d...", evalPID), func() error {
			var err error
			v, err = ctrl.Eval(cmd.Context(), evalPID, expr)
			return err
		})
		var ee *probeerr.EvaluationError
		if errors.As(err, &ee) && ee.Traceback != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), strings.TrimRight(ee.Traceback, "\n"))
		}
		if err != nil {
			return err
		}
		if v.Kind != value.KindNone {
			fmt.Fprintln(cmd.OutOrStdout(), v.String())
		}
		return nil
	},
}
