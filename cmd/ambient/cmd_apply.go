package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"ambient/internal/patch"
	"ambient/internal/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply <worktree> <diff-file>",
	Short: "Apply a unified diff to a working tree transactionally",
	Long: `Applies the diff with the staged fallback ladder. The tree is left either
fully patched or exactly as it was. Use "-" to read the diff from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: runApply,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <worktree>",
	Short: "Run the verification checks in the sandbox against a working tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	var raw []byte
	if args[1] == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(args[1])
	}
	if err != nil {
		return fmt.Errorf("reading diff: %w", err)
	}

	res := a.patchEngine().Apply(ctx, dir, string(raw))
	renderApply(cmd.OutOrStdout(), res)
	return patch.AsError(res)
}

func renderApply(w io.Writer, res types.ApplyResult) {
	if res.OK {
		fmt.Fprintf(w, "%s applied via %s\n", mark(true), res.Strategy)
		for _, f := range res.Files {
			fmt.Fprintf(w, "  %s\n", f)
		}
		if res.DiffStat != "" {
			fmt.Fprintf(w, "  %s\n", mutedStyle.Render(res.DiffStat))
		}
		return
	}
	fmt.Fprintf(w, "%s patch did not apply\n", mark(false))
	if res.Debug != nil {
		for _, s := range res.Debug.Stages {
			fmt.Fprintf(w, "  %s %s\n", padRight(string(s.Stage), 18), mutedStyle.Render(s.Detail))
		}
		if res.Debug.Path != "" {
			fmt.Fprintf(w, "  debug bundle: %s\n", res.Debug.Path)
		}
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	runner, err := a.sandbox(ctx)
	if err != nil {
		return err
	}
	checks := a.checks(dir)
	if len(checks) == 0 {
		return fmt.Errorf("no verification checks configured or detected in %s", dir)
	}

	v := boundedVerifier{runner: runner, timeout: a.cfg.GetVerificationTimeout()}
	res := v.Verify(ctx, dir, checks)

	out := cmd.OutOrStdout()
	for _, c := range res.Checks {
		fmt.Fprintf(out, "%s %s %s\n", mark(c.OK), padRight(c.Name, 12), mutedStyle.Render(c.Command))
		if !c.OK {
			detail := c.Stderr
			if detail == "" {
				detail = c.Stdout
			}
			if detail != "" {
				fmt.Fprintln(out, sectionStyle.Render(tail(detail, 20)))
			}
		}
	}
	if !res.OK {
		return fmt.Errorf("verification failed")
	}
	return nil
}
