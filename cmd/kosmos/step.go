package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/kosmos/internal/controlplane"
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Work on a single step",
}

var stepExecCmd = &cobra.Command{
	Use:   "exec [file] [step]",
	Short: "Execute a step's code block",
	Args:  cobra.ExactArgs(2),
	RunE:  runStepExec,
}

var stepCompleteCmd = &cobra.Command{
	Use:   "complete [file] [step]",
	Short: "Mark a step done by hand",
	Args:  cobra.ExactArgs(2),
	RunE:  runStepComplete,
}

var stepSkipCmd = &cobra.Command{
	Use:   "skip [file] [step]",
	Short: "Mark a step skipped",
	Args:  cobra.ExactArgs(2),
	RunE:  runStepSkip,
}

var stepRunsCmd = &cobra.Command{
	Use:   "runs [file] [step]",
	Short: "Show the recorded runs of a step",
	Args:  cobra.ExactArgs(2),
	RunE:  runStepRuns,
}

var (
	stepApply  bool
	stepNote   string
	stepReason string
)

func init() {
	stepCmd.AddCommand(stepExecCmd, stepCompleteCmd, stepSkipCmd, stepRunsCmd)

	stepExecCmd.Flags().BoolVar(&stepApply, "apply", false, "Record the result in the document")
	stepCompleteCmd.Flags().StringVar(&stepNote, "note", "", "Result note written under the step")
	stepSkipCmd.Flags().StringVar(&stepReason, "reason", "", "Why the step was skipped")
}

func stepArgs(args []string) (*backend, string, int, error) {
	num, err := strconv.Atoi(args[1])
	if err != nil || num <= 0 {
		return nil, "", 0, fmt.Errorf("step must be a positive number, got %q", args[1])
	}
	b, name, err := openDoc(args[0])
	if err != nil {
		return nil, "", 0, err
	}
	return b, name, num, nil
}

func runStepExec(cmd *cobra.Command, args []string) error {
	b, name, num, err := stepArgs(args)
	if err != nil {
		return err
	}
	defer b.Close()

	exec := b.svc.ExecuteStep
	if stepApply {
		exec = b.svc.RunStep
	}
	e, err := exec(cmd.Context(), name, num)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printExecution(out, *e)
	if e.Applied {
		fmt.Fprintf(out, "Recorded. Progress %s %d%%\n", progressBar(e.Progress.Percent, 20), e.Progress.Percent)
	}
	if !e.Result.Succeeded() && !e.Result.Manual() {
		return errReported
	}
	return nil
}

func runStepComplete(cmd *cobra.Command, args []string) error {
	return settleStep(cmd, args, "completed", func(b *backend, name string, num int) (*controlplane.StepChange, error) {
		return b.svc.CompleteStep(name, num, stepNote)
	})
}

func runStepSkip(cmd *cobra.Command, args []string) error {
	return settleStep(cmd, args, "skipped", func(b *backend, name string, num int) (*controlplane.StepChange, error) {
		return b.svc.SkipStep(name, num, stepReason)
	})
}

func settleStep(cmd *cobra.Command, args []string, verb string, fn func(*backend, string, int) (*controlplane.StepChange, error)) error {
	b, name, num, err := stepArgs(args)
	if err != nil {
		return err
	}
	defer b.Close()

	ch, err := fn(b, name, num)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Step %d %s. Progress %s %d%%\n",
		okStyle.Render("✓"), ch.Step.Number, verb, progressBar(ch.Progress.Percent, 20), ch.Progress.Percent)
	return nil
}

func runStepRuns(cmd *cobra.Command, args []string) error {
	b, name, num, err := stepArgs(args)
	if err != nil {
		return err
	}
	defer b.Close()

	runs, err := b.svc.StepRuns(name, num)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAPPLIED\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n",
			shortID(r.ID), r.Status, r.Applied, r.StartedAt.Format("2006-01-02 15:04:05"), r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
