package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"ambient/internal/coordinator"
	"ambient/internal/types"
)

var (
	onceProposals string
	onceJSON      bool
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single cycle and print its report",
	Long: `Runs one coordinator cycle with a manual trigger. Proposals come from
--proposals when given, otherwise from the configured generator.`,
	Args: cobra.NoArgs,
	RunE: runOnce,
}

func init() {
	onceCmd.Flags().StringVar(&onceProposals, "proposals", "", "JSON file holding a proposal array")
	onceCmd.Flags().BoolVar(&onceJSON, "json", false, "Print the cycle report as JSON")
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	coord, sink, err := a.coordinator(ctx, onceProposals)
	if err != nil {
		return err
	}
	defer sink.Close()

	report, err := coord.RunCycle(ctx, types.Trigger{Kind: types.TriggerManual, At: time.Now()})
	if report != nil {
		if onceJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		} else {
			renderReport(cmd.OutOrStdout(), report)
		}
	}
	return err
}

func renderReport(w io.Writer, r *coordinator.Report) {
	fmt.Fprintf(w, "%s %s  %s  %s\n",
		titleStyle.Render("cycle"), r.CycleID,
		statusStyle(string(r.Status)).Render(string(r.Status)),
		mutedStyle.Render(r.Duration.Round(time.Millisecond).String()))

	for _, e := range r.GeneratorErrors {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("generator:"), e)
	}
	for _, p := range r.Proposals {
		line := fmt.Sprintf("  %s %s",
			dispositionStyle(p.Disposition).Render(padRight(string(p.Disposition), 17)),
			padRight(p.ProposalID, 14))
		if p.Title != "" {
			line += " " + p.Title
		}
		if p.Reason != "" {
			line += " " + mutedStyle.Render("("+p.Reason+")")
		}
		fmt.Fprintln(w, line)
		if p.Branch != "" {
			fmt.Fprintf(w, "    %s %s\n", mutedStyle.Render("branch"), p.Branch)
		}
		if p.Verify != nil {
			for _, c := range p.Verify.Checks {
				fmt.Fprintf(w, "    %s %s\n", mark(c.OK), c.Name)
			}
		}
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", failStyle.Render("error:"), r.Error)
	}
}
