package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/turnloop/internal/daemon"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve agent sessions over the websocket gateway",
	Long: `Serve agent sessions over the websocket gateway in the foreground.
Clients submit prompts, steer and abort runs, and receive agent events as they
stream. The daemon stops on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "gateway host override")
	serveCmd.Flags().IntVar(&servePort, "port", -1, "gateway port override (0 picks a free port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}
	if servePort >= 0 {
		cfg.Gateway.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s\n", d.Status().GatewayAddr)
	d.Wait()
	return nil
}
