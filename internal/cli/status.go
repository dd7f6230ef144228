package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/internal/daemon"
)

const healthTimeout = 2 * time.Second

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show whether a turnloop daemon is serving from the configured data directory
and, when it is, whether its gateway answers health checks.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	rootCmd.AddCommand(statusCmd)
}

// statusReport is what status prints.
type statusReport struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	Healthy bool   `json:"healthy"`
	Clients int    `json:"clients"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	report := collectStatus(cmd.Context(), cfg)
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if !report.Running {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", report.PID)
	if report.Uptime != "" {
		fmt.Fprintf(out, "Uptime: %s\n", report.Uptime)
	}
	if report.Healthy {
		fmt.Fprintf(out, "Gateway: %s (%d clients)\n", report.Gateway, report.Clients)
	} else {
		fmt.Fprintf(out, "Gateway: %s (unreachable)\n", report.Gateway)
	}
	return nil
}

func collectStatus(ctx context.Context, cfg *config.Config) statusReport {
	pidFile := daemon.PIDFile(cfg.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		return statusReport{}
	}

	report := statusReport{
		Running: true,
		PID:     pid,
		Gateway: gatewayAddr(cfg.Gateway),
	}
	if info, err := os.Stat(pidFile); err == nil {
		report.Uptime = formatDuration(time.Since(info.ModTime()))
	}
	report.Clients, report.Healthy = checkHealth(ctx, report.Gateway)
	return report
}

// gatewayAddr is the address a local client dials; wildcard hosts map to
// loopback.
func gatewayAddr(gw config.GatewayConfig) string {
	host := gw.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(gw.Port))
}

func checkHealth(ctx context.Context, addr string) (int, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return 0, false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		return 0, false
	}
	return body.Clients, body.Status == "ok"
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
