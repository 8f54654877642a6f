package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"ambient/internal/telemetry"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize recent cycles from the telemetry store",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of recent cycles to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	dbPath := a.path(a.cfg.Telemetry.DBPath)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(out, "%s no telemetry at %s\n", warnStyle.Render("!"), dbPath)
		return nil
	}

	store, err := telemetry.NewSQLiteSink(dbPath, false)
	if err != nil {
		return err
	}
	defer store.Close()

	cycles, err := store.RecentCycles(ctx, statusLimit)
	if err != nil {
		return err
	}
	counts, err := store.CountByType(ctx)
	if err != nil {
		return err
	}

	var rows []string
	rows = append(rows, mutedStyle.Render(fmt.Sprintf("%-10s %-19s %-12s %4s %4s %4s %4s %4s",
		"cycle", "time", "status", "acc", "ok", "fail", "def", "rej")))
	for _, c := range cycles {
		rows = append(rows, fmt.Sprintf("%-10s %-19s %s %4d %4d %4d %4d %4d",
			c.CycleID,
			c.Time.Local().Format("2006-01-02 15:04:05"),
			statusStyle(c.Status).Render(padRight(c.Status, 12)),
			c.Accepted, c.Applied, c.Failed, c.Deferred+c.Pending, c.Rejected))
	}
	if len(cycles) == 0 {
		rows = append(rows, mutedStyle.Render("no completed cycles"))
	}
	fmt.Fprintln(out, titleStyle.Render("recent cycles"))
	fmt.Fprintln(out, sectionStyle.Render(strings.Join(rows, "\n")))

	kinds := make([]string, 0, len(counts))
	for t := range counts {
		kinds = append(kinds, t)
	}
	sort.Strings(kinds)
	var parts []string
	for _, t := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render("events"), strings.Join(parts, " "))
	return nil
}

// tail keeps the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
