package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marinabox/marinabox/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	serveHost            string
	servePort            int
	serveShutdownTimeout int
	serveNoReload        bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the marinabox gateway in the foreground",
	Long: `Run the marinabox gateway in the foreground.
The gateway exposes the session and agent operations over JSON-RPC (HTTP and
WebSocket), reconciles sessions whose containers died on a schedule, and
reloads credentials when the config file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "gateway listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway listen port (default from config)")
	serveCmd.Flags().IntVar(&serveShutdownTimeout, "shutdown-timeout", 30, "seconds to wait for in-flight requests on shutdown")
	serveCmd.Flags().BoolVar(&serveNoReload, "no-reload", false, "do not watch the config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}
	if servePort != 0 {
		cfg.Gateway.Port = servePort
	}

	if info, ok := daemon.Running(cfg.DataDir); ok {
		return fmt.Errorf("daemon is already running (PID %d)", info.PID)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	generated, err := daemon.EnsureSharedSecret(cfg, loader)
	if err != nil {
		return err
	}
	if generated {
		fmt.Fprintf(cmd.ErrOrStderr(), "Generated gateway shared secret; stored in %s\n", loader.GetConfigPath())
	}

	opts := daemon.Options{}
	if !serveNoReload {
		opts.Loader = loader
	}

	d, err := daemon.New(cfg, log, opts)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "marinabox gateway listening on %s\n", d.Status().GatewayAddr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Wait(ctx, time.Duration(serveShutdownTimeout)*time.Second)
}
