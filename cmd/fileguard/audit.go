package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List the most recently registered files from the audit log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.sink.Close()

		r, ok := a.auditReader()
		if !ok {
			return fmt.Errorf("audit driver %q does not store entries", cfg.Audit.Driver)
		}
		ctx := context.Background()
		count, err := r.Count(ctx)
		if err != nil {
			return err
		}
		entries, err := r.Recent(ctx, auditLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d files recorded, showing %d\n", count, len(entries))
		for _, e := range entries {
			flag := ""
			if e.Suspicious {
				flag = " suspicious"
			}
			fmt.Fprintf(out, "%s  %s  %s%s\n", e.RecordedAt.Format("2006-01-02T15:04:05Z"), e.Ratio(), e.Path, flag)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "number of entries to show")
}
