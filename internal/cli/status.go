package cli

import (
	"fmt"
	"time"

	"github.com/marinabox/marinabox/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway daemon status",
	Long:  `Show whether a marinabox gateway started with "mb serve" is running.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusOutput struct {
	Status string `json:"status" yaml:"status"`
	PID    int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Uptime string `json:"uptime,omitempty" yaml:"uptime,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	info, ok := daemon.Running(cfg.DataDir)
	if !ok {
		return printOutput(cmd.OutOrStdout(), statusOutput{Status: "stopped"})
	}
	return printOutput(cmd.OutOrStdout(), statusOutput{
		Status: "running",
		PID:    info.PID,
		Uptime: formatDuration(info.Uptime),
	})
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
