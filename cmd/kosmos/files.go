package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/kosmos/internal/controlplane"
	"github.com/fentz26/kosmos/internal/models"
	"github.com/fentz26/kosmos/internal/taskdoc"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage documents held by the daemon",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE:  runFilesList,
}

var filesShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Print a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesShow,
}

var filesProgressCmd = &cobra.Command{
	Use:   "progress [name]",
	Short: "Show a document's progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesProgress,
}

var filesPushCmd = &cobra.Command{
	Use:   "push [file]",
	Short: "Upload a local document to the daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesPush,
}

var filesHistoryCmd = &cobra.Command{
	Use:   "history [name]",
	Short: "Show the audit trail of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesHistory,
}

var filesValidateCmd = &cobra.Command{
	Use:   "validate [name]",
	Short: "Validate a document held by the daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesValidate,
}

var pushReplace bool

func init() {
	filesCmd.AddCommand(filesListCmd, filesShowCmd, filesProgressCmd, filesPushCmd, filesHistoryCmd, filesValidateCmd)
	filesPushCmd.Flags().BoolVar(&pushReplace, "replace", false, "Overwrite an existing document")
}

func runFilesList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Count int                            `json:"count"`
		Files []controlplane.DocumentSummary `json:"files"`
	}
	if err := apiGet("/api/files", &resp); err != nil {
		return err
	}
	if resp.Count == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No documents found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTITLE\tSTATUS\tPROGRESS\tUPDATED")
	for _, f := range resp.Files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%% (%d/%d)\t%s\n",
			f.Name, f.Title, f.Status, f.Progress.Percent, f.Progress.Completed, f.Progress.Total, f.LastUpdate)
	}
	return w.Flush()
}

func runFilesShow(cmd *cobra.Command, args []string) error {
	var resp struct {
		Content string `json:"content"`
	}
	if err := apiGet(filePath(args[0]), &resp); err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), resp.Content)
	return nil
}

func runFilesProgress(cmd *cobra.Command, args []string) error {
	var resp struct {
		Progress *controlplane.ProgressReport `json:"progress"`
	}
	if err := apiGet(filePath(args[0], "progress"), &resp); err != nil {
		return err
	}
	printProgress(cmd.OutOrStdout(), resp.Progress)
	return nil
}

func runFilesPush(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	name := filepath.Base(args[0])
	body := map[string]string{"filename": name, "content": string(data)}

	if pushReplace {
		err = apiDo(http.MethodPut, filePath(name), body, nil)
	} else {
		err = apiPost("/api/files", body, nil)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Uploaded %s\n", okStyle.Render("✓"), name)
	return nil
}

func runFilesHistory(cmd *cobra.Command, args []string) error {
	var resp struct {
		History []models.PDREntry `json:"history"`
	}
	if err := apiGet(filePath(args[0], "history"), &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, e := range resp.History {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Outcome, e.Details)
	}
	return w.Flush()
}

func runFilesValidate(cmd *cobra.Command, args []string) error {
	var res taskdoc.Result
	if err := apiPost("/api/files/validate", map[string]string{"filename": args[0]}, &res); err != nil {
		return err
	}
	printValidation(cmd.OutOrStdout(), args[0], res)
	if !res.Valid {
		return errReported
	}
	return nil
}
