package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/kosmos/internal/controlplane"
	"github.com/fentz26/kosmos/internal/taskdoc"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a task document's structure",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Show the tasks and steps of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runParse,
}

var progressCmd = &cobra.Command{
	Use:   "progress [file]",
	Short: "Show document and per-task progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgress,
}

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute every pending step with runnable code",
	Long: `Runs each pending JavaScript step in document order inside the sandbox,
then ticks the checkboxes and writes the results in one pass. Steps
without code or in other languages are listed for manual completion.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var fmtCmd = &cobra.Command{
	Use:   "fmt [file]",
	Short: "Rewrite a document in the canonical layout",
	Args:  cobra.ExactArgs(1),
	RunE:  runFmt,
}

var (
	fmtWrite   bool
	parseJSON  bool
	noValidate bool
	dryRun     bool
)

func init() {
	fmtCmd.Flags().BoolVarP(&fmtWrite, "write", "w", false, "Replace the file instead of printing")
	parseCmd.Flags().BoolVar(&parseJSON, "json", false, "Print the parsed document as JSON")
	runCmd.Flags().BoolVar(&noValidate, "no-validate", false, "Run even when the document has structural errors")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Execute without changing the document")
}

func runValidate(cmd *cobra.Command, args []string) error {
	text, name, err := readDoc(args[0])
	if err != nil {
		return err
	}
	res := taskdoc.Validate(text)
	printValidation(cmd.OutOrStdout(), name, res)
	if !res.Valid {
		return errReported
	}
	return nil
}

func runParse(cmd *cobra.Command, args []string) error {
	text, _, err := readDoc(args[0])
	if err != nil {
		return err
	}
	doc := taskdoc.Parse(text)
	out := cmd.OutOrStdout()
	if parseJSON {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	printDocument(out, doc)
	return nil
}

func runFmt(cmd *cobra.Command, args []string) error {
	text, _, err := readDoc(args[0])
	if err != nil {
		return err
	}
	out := taskdoc.Render(taskdoc.Parse(text))
	if !fmtWrite {
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	}

	b, name, err := openDoc(args[0])
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.svc.UpdateDocument(name, out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Formatted %s\n", okStyle.Render("✓"), name)
	return nil
}

func runProgress(cmd *cobra.Command, args []string) error {
	text, name, err := readDoc(args[0])
	if err != nil {
		return err
	}
	printProgress(cmd.OutOrStdout(), controlplane.ReportProgress(name, taskdoc.Parse(text)))
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	b, name, err := openDoc(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	out := cmd.OutOrStdout()
	report, err := b.svc.RunPending(cmd.Context(), name, controlplane.RunOptions{
		SkipValidation: noValidate,
		DryRun:         dryRun,
		OnStep:         func(e controlplane.StepExecution) { printExecution(out, e) },
	})
	var verr *taskdoc.ValidationError
	if errors.As(err, &verr) {
		printValidation(out, name, taskdoc.Result{Errors: verr.Errors})
		fmt.Fprintln(out, dimStyle.Render("Use --no-validate to run anyway."))
		return errReported
	}
	if err != nil {
		return err
	}

	for _, w := range report.Warnings {
		fmt.Fprintf(out, "%s %s\n", warnStyle.Render("warning:"), w)
	}
	if len(report.Manual) > 0 {
		fmt.Fprintln(out, "\nNeeds manual action:")
		for _, st := range report.Manual {
			fmt.Fprintf(out, "  %d. %s\n", st.Number, st.Title)
		}
	}

	fmt.Fprintln(out)
	switch {
	case report.Interrupted:
		fmt.Fprintln(out, warnStyle.Render("Interrupted; completed steps were kept."))
	case report.DryRun:
		fmt.Fprintln(out, dimStyle.Render("Dry run; document unchanged."))
	}
	fmt.Fprintf(out, "%d executed, %d failed, %d manual  %s %d%%\n",
		len(report.Executed), report.Failed, len(report.Manual), progressBar(report.Progress.Percent, 20), report.Progress.Percent)

	if report.Failed > 0 {
		return errReported
	}
	return nil
}
