package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/marinabox/marinabox/pkg/session"
	"github.com/spf13/cobra"
)

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Manage sessions on this machine",
	Long:  `Create, inspect, tag and stop browser and desktop sessions running in local containers.`,
}

var (
	createEnvType    string
	createResolution string
	createTag        string
	createMountPath  string
	createKiosk      bool

	stopVideoFilename string
	stopVideoDir      string
	pagesScreenshot   string
	pagesTarget       string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	Args:  cobra.NoArgs,
	RunE:  runCreate,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var getCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show an active session",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session and archive it",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var stopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop every active session",
	Args:  cobra.NoArgs,
	RunE:  runStopAll,
}

var listClosedCmd = &cobra.Command{
	Use:   "list-closed",
	Short: "List archived sessions",
	Args:  cobra.NoArgs,
	RunE:  runListClosed,
}

var getClosedCmd = &cobra.Command{
	Use:   "get-closed <session-id>",
	Short: "Show an archived session",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetClosed,
}

var tagCmd = &cobra.Command{
	Use:   "tag <session-id> <tag>",
	Short: "Set the tag of an active session",
	Long:  `Set the tag of an active session. An empty tag clears it.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runTag,
}

var pagesCmd = &cobra.Command{
	Use:   "pages <session-id-or-tag>",
	Short: "List the open tabs of a browser session",
	Args:  cobra.ExactArgs(1),
	RunE:  runPages,
}

func init() {
	rootCmd.AddCommand(localCmd)
	localCmd.AddCommand(createCmd, listCmd, getCmd, stopCmd, stopAllCmd, listClosedCmd, getClosedCmd, tagCmd, pagesCmd)

	createCmd.Flags().StringVar(&createEnvType, "env-type", string(session.EnvBrowser), "environment type (browser, desktop)")
	createCmd.Flags().StringVar(&createResolution, "resolution", session.DefaultResolution, "screen resolution as WIDTHxHEIGHTxDEPTH")
	createCmd.Flags().StringVar(&createTag, "tag", "", "tag to find the session by")
	createCmd.Flags().StringVar(&createMountPath, "mount", "", "host directory to mount into the session")
	createCmd.Flags().BoolVar(&createKiosk, "kiosk", false, "start the browser in kiosk mode")

	stopCmd.Flags().StringVar(&stopVideoFilename, "video-filename", "", "name of the recording written on stop")
	stopCmd.Flags().StringVar(&stopVideoDir, "video-dir", "", "directory for the recording (default: sessions.recordings_dir)")
	stopAllCmd.Flags().StringVar(&stopVideoDir, "video-dir", "", "directory for the recordings (default: sessions.recordings_dir)")

	pagesCmd.Flags().StringVar(&pagesScreenshot, "screenshot", "", "write a PNG of a tab to this file")
	pagesCmd.Flags().StringVar(&pagesTarget, "page", "", "tab id for --screenshot (default: first tab)")
}

func runCreate(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	sess, err := env.client.CreateSession(cmd.Context(), session.CreateRequest{
		EnvType:    session.EnvType(createEnvType),
		Resolution: createResolution,
		Tag:        createTag,
		MountPath:  createMountPath,
		Kiosk:      createKiosk,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return printOutput(cmd.OutOrStdout(), sess)
}

func runList(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	sessions, err := env.client.ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), sessions)
}

func runGet(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	sess, err := env.client.GetSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), sess)
}

func runStop(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	closed, err := env.client.StopSession(cmd.Context(), args[0], session.StopOptions{
		VideoFilename: stopVideoFilename,
		VideoDir:      stopVideoDir,
	})
	if closed == nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	// The session is archived either way; print the record before failing.
	if perr := printOutput(cmd.OutOrStdout(), closed); perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("session %s archived but the runtime failed: %w", closed.ID, err)
	}
	return nil
}

type stopAllOutput struct {
	Stopped []string          `json:"stopped" yaml:"stopped"`
	Failed  map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func runStopAll(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.client.StopAllSessions(cmd.Context(), session.StopOptions{VideoDir: stopVideoDir})
	if err != nil {
		return err
	}

	out := stopAllOutput{Stopped: res.Stopped}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		for id, ferr := range res.Failed {
			out.Failed[id] = ferr.Error()
		}
	}
	if err := printOutput(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%d of %d sessions failed to stop", len(res.Failed), len(res.Failed)+len(res.Stopped))
	}
	return nil
}

func runListClosed(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	closed, err := env.client.ListClosedSessions(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), closed)
}

func runGetClosed(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	closed, err := env.client.GetClosedSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), closed)
}

func runTag(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	sess, err := env.client.UpdateTag(cmd.Context(), args[0], strings.TrimSpace(args[1]))
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), sess)
}

func runPages(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.Close()

	if pagesScreenshot != "" {
		png, err := env.client.Screenshot(cmd.Context(), args[0], pagesTarget)
		if err != nil {
			return err
		}
		if err := os.WriteFile(pagesScreenshot, png, 0o644); err != nil {
			return fmt.Errorf("failed to write screenshot: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Screenshot saved to %s\n", pagesScreenshot)
		return nil
	}

	pages, err := env.client.ListPages(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), pages)
}
