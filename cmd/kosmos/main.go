package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/fentz26/kosmos/internal/config"
	"github.com/fentz26/kosmos/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "kosmos",
	Short: "kosmos - task document runner",
	Long: `kosmos validates, runs and tracks .kosmos.md task documents: markdown
plans whose steps carry a "Done" checkbox and optional executable code.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

var (
	cfgPath  string
	apiAddr  string
	dataDir  string
	dbPath   string
	logLevel string

	cfg    *config.Config
	logger *log.Logger
)

// errReported is returned after a command has already printed why it
// failed; main only sets the exit code.
var errReported = errors.New("failed")

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", config.DefaultPath(), "Path to config file")
	pf.StringVar(&apiAddr, "api", "", "Daemon address (default http://<listen>)")
	pf.StringVar(&dataDir, "data", "", "Directory holding task documents")
	pf.StringVar(&dbPath, "db", "", "Path to SQLite database")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(validateCmd, parseCmd, fmtCmd, progressCmd, runCmd, stepCmd,
		interactiveCmd, daemonCmd, filesCmd, generateCmd, configCmd, versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("data") {
		c.DataDir = dataDir
	}
	if flags.Changed("db") {
		c.DBPath = dbPath
	}
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if apiAddr == "" {
		apiAddr = "http://" + c.Listen
	}

	cfg = c
	logger = logging.New(os.Stderr, logging.FromConfig(c.Log))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		}
		os.Exit(1)
	}
}
