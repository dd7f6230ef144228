package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/turnloop/internal/daemon"
)

var (
	stopTimeout int
	stopKill    bool
)

var errNotRunning = errors.New("daemon is not running")

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the turnloop daemon",
	Long: `Stop the turnloop daemon.

The daemon gets SIGTERM and the command polls until the process exits. A daemon
still alive after --timeout seconds is killed. With --kill it is killed at once.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "seconds to wait for a graceful shutdown")
	stopCmd.Flags().BoolVar(&stopKill, "kill", false, "send SIGKILL without waiting")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := daemon.PIDFile(cfg.DataDir)
	defer os.Remove(pidFile)

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		return errNotRunning
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	out := cmd.OutOrStdout()
	if !stopKill {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal daemon: %w", err)
		}
		if waitExit(pid, time.Duration(stopTimeout)*time.Second) {
			fmt.Fprintf(out, "Daemon stopped (pid %d)\n", pid)
			return nil
		}
		fmt.Fprintf(out, "Daemon still running after %ds, killing\n", stopTimeout)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill daemon: %w", err)
	}
	fmt.Fprintf(out, "Daemon killed (pid %d)\n", pid)
	return nil
}

// waitExit polls until pid is gone or timeout passes.
func waitExit(pid int, timeout time.Duration) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		if !daemon.ProcessAlive(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return !daemon.ProcessAlive(pid)
		}
	}
}
