package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Evict retained review worktrees past the retention limits",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	wm, err := a.worktrees(ctx)
	if err != nil {
		return err
	}
	report, err := wm.GC(ctx, time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s evicted=%d branches=%d retained=%d\n",
		titleStyle.Render("gc"), len(report.Evicted), len(report.Branches), len(report.Retained))
	for _, p := range report.Evicted {
		fmt.Fprintf(out, "  %s %s\n", failStyle.Render("-"), p)
	}
	for _, b := range report.Branches {
		fmt.Fprintf(out, "  %s %s\n", mutedStyle.Render("branch"), b)
	}
	return nil
}
