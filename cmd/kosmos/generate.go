package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/kosmos/internal/controlplane"
	"github.com/fentz26/kosmos/internal/llm"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Draft a new task document with the configured LLM",
	Long: `Asks the OpenAI-compatible endpoint at LLM_SERVER_URL for a task document
reaching the given goal and stores it in the data directory when it
passes validation.`,
	RunE: runGenerate,
}

var (
	genPrompt string
	genName   string
	genAsk    bool
	genDryRun bool
)

func init() {
	generateCmd.Flags().StringVarP(&genPrompt, "prompt", "p", "", "Goal the document should reach (required)")
	generateCmd.Flags().StringVarP(&genName, "out", "o", "", "Document name (derived from the title when empty)")
	generateCmd.Flags().BoolVar(&genAsk, "ask", false, "Answer clarifying questions first")
	generateCmd.Flags().BoolVar(&genDryRun, "dry-run", false, "Print the document instead of storing it")
	generateCmd.MarkFlagRequired("prompt")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	b, err := openBackend(cfg.DataDir)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	req := controlplane.GenerateRequest{Prompt: genPrompt, Name: genName, DryRun: genDryRun}

	if genAsk {
		questions, err := b.svc.Questions(ctx, genPrompt)
		if err != nil {
			return err
		}
		req.Answers = askQuestions(cmd.InOrStdin(), out, questions)
	}

	fmt.Fprintln(out, dimStyle.Render("Generating document..."))
	res, err := b.svc.GenerateDocument(ctx, req)
	if errors.Is(err, controlplane.ErrGeneratedInvalid) {
		printValidation(out, res.Name, res.Validation)
		fmt.Fprintln(out)
		fmt.Fprint(out, res.Content)
		return errReported
	}
	if err != nil {
		return err
	}

	if !res.Saved {
		fmt.Fprint(out, res.Content)
		return nil
	}
	for _, w := range res.Validation.Warnings {
		fmt.Fprintf(out, "%s %s\n", warnStyle.Render("warning:"), w)
	}
	fmt.Fprintf(out, "%s Saved %s\n", okStyle.Render("✓"), res.Name)
	return nil
}

// askQuestions reads one answer line per question from in.
func askQuestions(in io.Reader, out io.Writer, questions []string) []llm.Answer {
	sc := bufio.NewScanner(in)
	answers := make([]llm.Answer, 0, len(questions))
	for i, q := range questions {
		fmt.Fprintf(out, "%s %s\n> ", titleStyle.Render(fmt.Sprintf("%d.", i+1)), q)
		if !sc.Scan() {
			break
		}
		if a := strings.TrimSpace(sc.Text()); a != "" {
			answers = append(answers, llm.Answer{Question: q, Answer: a})
		}
	}
	return answers
}
