package cli

import (
	"fmt"
	"time"

	"github.com/marinabox/marinabox/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	daemonStopTimeout int
)

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the gateway daemon",
	Long: `Stop a gateway started with "mb serve" gracefully.
Sends SIGTERM and waits for it to shut down, then sends SIGKILL.
Sessions keep running; use "mb local stop-all" to stop them.`,
	Args: cobra.NoArgs,
	RunE: runDaemonStop,
}

func init() {
	daemonStopCmd.Flags().IntVar(&daemonStopTimeout, "timeout", 30, "timeout in seconds to wait for the daemon to stop")
	rootCmd.AddCommand(daemonStopCmd)
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	killed, err := daemon.Signal(cfg.DataDir, time.Duration(daemonStopTimeout)*time.Second)
	if err != nil {
		return err
	}
	if killed {
		fmt.Fprintln(cmd.ErrOrStderr(), "Timeout reached, daemon killed")
		return nil
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Daemon stopped successfully")
	return nil
}
