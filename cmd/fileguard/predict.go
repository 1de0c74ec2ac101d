package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	predictSuspicious bool
	predictRegister   bool
)

var predictCmd = &cobra.Command{
	Use:   "predict PATH",
	Short: "Score a single file against the learned baseline",
	Args:  cobra.ExactArgs(1),
	RunE:  runPredict,
}

func init() {
	predictCmd.Flags().BoolVar(&predictSuspicious, "suspicious", false, "mark the file as suspicious")
	predictCmd.Flags().BoolVar(&predictRegister, "register", false, "also add the file to the baseline")
}

func runPredict(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	suspicious := predictSuspicious || (cfg.Sweep.Heuristics && a.scanner.Suspicious(args[0]))
	if predictRegister {
		if _, err := a.engine.Register(ctx, args[0], suspicious); err != nil {
			return err
		}
	}
	p, err := a.engine.Predict(ctx, args[0], suspicious)
	if err != nil {
		return err
	}

	verdict := "normal"
	if p.Anomalous {
		verdict = "ANOMALOUS"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s", p.Path, verdict, p.Reason)
	if p.Score > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), ", score %.3f", p.Score)
	}
	fmt.Fprintln(cmd.OutOrStdout(), ")")
	return nil
}
