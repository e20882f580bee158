package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/kosmos/internal/tui"
)

var interactiveCmd = &cobra.Command{
	Use:     "interactive [file]",
	Aliases: []string{"tui"},
	Short:   "Step through a document in the terminal UI",
	Args:    cobra.ExactArgs(1),
	RunE:    runInteractive,
}

var remote bool

func init() {
	interactiveCmd.Flags().BoolVar(&remote, "remote", false, "Drive the document through the daemon, starting it if needed")
}

func runInteractive(cmd *cobra.Command, args []string) error {
	if remote {
		if !isDaemonRunning() {
			fmt.Println("⚡ kosmos daemon not running. Starting background service...")
			if err := startDaemon(); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}
		}
		app := tui.New(cmd.Context(), tui.NewClient(apiAddr), filepath.Base(args[0]))
		if err := app.Run(); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	}

	b, name, err := openDoc(args[0])
	if err != nil {
		return err
	}
	defer b.Close()
	if _, err := b.svc.ParseDocument(name); err != nil {
		return err
	}

	// Service logs would tear the alternate screen.
	logger.SetOutput(io.Discard)
	app := tui.New(cmd.Context(), b.svc, name)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning() bool {
	_, err := CheckHealth()
	return err == nil
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon", "--config", cfgPath, "--data", cfg.DataDir, "--db", cfg.DBPath}
	c := exec.Command(exe, args...)
	configureDaemonProc(c)
	c.Stdin = nil
	c.Stdout = nil
	c.Stderr = nil

	if err := c.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning() {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
