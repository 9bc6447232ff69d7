package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marinabox/marinabox/internal/config"
	"github.com/marinabox/marinabox/pkg/agent"
	"github.com/marinabox/marinabox/pkg/sdk"
	"github.com/spf13/cobra"
)

var (
	computerUseMaxIterations int
	computerUseQuiet         bool
	computerUseCommand       string
)

var computerUseCmd = &cobra.Command{
	Use:   "computer-use <session-id-or-tag> [task]",
	Short: "Run the computer-use agent against a session",
	Long: `Run the computer-use agent against a session until the model finishes,
the iteration limit is reached, or the command is interrupted. The session is
found by id first, then by tag. The task is the second argument or --command.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runComputerUse,
}

func init() {
	localCmd.AddCommand(computerUseCmd)

	computerUseCmd.Flags().IntVar(&computerUseMaxIterations, "max-iterations", 0, "override the configured iteration limit")
	computerUseCmd.Flags().BoolVar(&computerUseQuiet, "quiet", false, "print only the final result")
	computerUseCmd.Flags().StringVar(&computerUseCommand, "command", "", "task for the agent, instead of the second argument")
}

// computerUseTask picks the task from the positional argument or --command.
func computerUseTask(args []string, command string) (string, error) {
	switch {
	case len(args) == 2 && command != "":
		return "", fmt.Errorf("give the task as an argument or with --command, not both")
	case len(args) == 2:
		return args[1], nil
	case strings.TrimSpace(command) != "":
		return command, nil
	default:
		return "", fmt.Errorf("a task is required (second argument or --command)")
	}
}

func runComputerUse(cmd *cobra.Command, args []string) error {
	task, err := computerUseTask(args, computerUseCommand)
	if err != nil {
		return err
	}

	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	if err := config.NewValidator().ValidateProviderCredentials(env.cfg.Agent.Provider, env.cfg.Credentials); err != nil {
		return fmt.Errorf("%w (configure with set-anthropic-key or set-aws-credentials)", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := sdk.RunOptions{MaxIterations: computerUseMaxIterations}
	if !computerUseQuiet {
		opts.OnEvent = newEventPrinter(cmd.ErrOrStderr()).Handle
	}

	result, err := env.client.RunAgent(ctx, args[0], task, opts)
	if result == nil {
		return err
	}
	if perr := printOutput(cmd.OutOrStdout(), runSummary(result)); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if result.State == agent.StateCancelled && errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("agent run interrupted")
	}
	return nil
}

type runSummaryOutput struct {
	State      agent.State      `json:"state" yaml:"state"`
	Iterations int              `json:"iterations" yaml:"iterations"`
	Usage      agent.TokenUsage `json:"usage" yaml:"usage"`
	FinalText  string           `json:"final_text" yaml:"final_text"`
}

func runSummary(result *agent.Result) runSummaryOutput {
	return runSummaryOutput{
		State:      result.State,
		Iterations: result.Iterations,
		Usage:      result.Usage,
		FinalText:  result.FinalText(),
	}
}
