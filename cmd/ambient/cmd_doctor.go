package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ambient/internal/tactile"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the configured sandbox and git tooling are usable",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	rc, err := a.runnerConfig(ctx)
	if err != nil {
		return err
	}

	report := tactile.Doctor(ctx, rc)
	if err := a.cfg.ValidateLimits(); err != nil {
		report.Checks = append(report.Checks, tactile.DoctorCheck{Name: "limits", Required: true, Detail: err.Error()})
	}
	if err := a.git.Fsck(ctx, a.root); err != nil {
		report.Checks = append(report.Checks, tactile.DoctorCheck{Name: "repository", Required: true, Detail: err.Error()})
	} else {
		report.Checks = append(report.Checks, tactile.DoctorCheck{Name: "repository", OK: true, Required: true, Detail: a.root})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render("sandbox mode"), rc.Mode)
	for _, c := range report.Checks {
		name := c.Name
		if c.Required {
			name += "*"
		}
		symbol := mark(c.OK)
		if !c.OK && !c.Required {
			symbol = warnStyle.Render("!")
		}
		fmt.Fprintf(out, "%s %s %s\n", symbol, padRight(name, 14), mutedStyle.Render(strings.TrimSpace(c.Detail)))
	}
	if checks := a.checks(a.root); len(checks) > 0 {
		fmt.Fprintln(out, titleStyle.Render("checks"))
		allow := tactile.DefaultAllowlist()
		if runner, err := tactile.NewSandboxRunner(rc, tactile.NewDirectExecutor()); err == nil {
			allow = runner.Allowlist()
		}
		for _, c := range checks {
			fmt.Fprintf(out, "%s %s %s\n", mark(allow.Allowed(c.Command)), padRight(c.Name, 14), mutedStyle.Render(c.Command))
		}
	}

	if !report.OK() {
		return fmt.Errorf("sandbox mode %s is not usable on this host", rc.Mode)
	}
	return nil
}
