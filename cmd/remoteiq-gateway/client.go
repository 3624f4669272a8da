// ABOUTME: health and agents commands that talk to a running gateway
// ABOUTME: Health uses the gRPC health service, agents renders GET /api/agents as a table

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/config"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/gateway"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// EnvToken overrides the saved operator token for the agents command.
const EnvToken = "REMOTEIQ_TOKEN"

// dialAddr turns a listen address such as ":8080" into something dialable.
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func newHealthCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether the gateway is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runHealth(ctx, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for an answer")
	return cmd
}

func runHealth(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Server.GRPCAddr != "" {
		status, err := grpcHealth(ctx, dialAddr(cfg.Server.GRPCAddr))
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if status != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("unhealthy: %s", status)
		}
		fmt.Fprintln(out, "healthy")
		return nil
	}

	body, err := httpReady(ctx, dialAddr(cfg.Server.HTTPAddr))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, body)
	return nil
}

func grpcHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: gateway.ServiceName,
	})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func httpReady(ctx context.Context, addr string) (string, error) {
	url := fmt.Sprintf("http://%s/health/ready", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func newAgentsCmd() *cobra.Command {
	var token string
	var server string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List enrolled agents and whether they are connected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgents(cmd.Context(), cmd.OutOrStdout(), server, token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "operator JWT (default $"+EnvToken+" or the bootstrap token file)")
	cmd.Flags().StringVar(&server, "server", "", "gateway base URL (default http://<server.http_addr>)")
	return cmd
}

// loadToken picks the operator token from the flag, the environment or the saved file.
func loadToken(flagValue, cfgPath string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(EnvToken); env != "" {
		return env, nil
	}
	data, err := os.ReadFile(tokenPath(cfgPath))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("no operator token: pass --token, set $%s or run bootstrap", EnvToken)
	}
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func runAgents(ctx context.Context, out io.Writer, server, tokenFlag string) error {
	path := configPath()

	if server == "" {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		server = "http://" + dialAddr(cfg.Server.HTTPAddr)
	}

	token, err := loadToken(tokenFlag, path)
	if err != nil {
		return err
	}

	list, err := fetchAgents(ctx, strings.TrimRight(server, "/"), token)
	if err != nil {
		return err
	}
	printAgents(out, list.Agents)
	return nil
}

func fetchAgents(ctx context.Context, server, token string) (*gateway.ListAgentsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/api/agents", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return nil, fmt.Errorf("listing agents: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("listing agents: status %d", resp.StatusCode)
	}

	var list gateway.ListAgentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &list, nil
}

func printAgents(out io.Writer, agents []gateway.AgentResponse) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents enrolled.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tHOSTNAME\tOS/ARCH\tSTATUS\tONLINE\tLAST SEEN")
	for _, a := range agents {
		online := color.HiBlackString("no")
		if a.Online {
			online = color.GreenString("yes")
		}
		status := string(a.Status)
		if a.Status != store.AgentStatusActive {
			status = color.RedString(status)
		}
		lastSeen := "-"
		if a.LastSeenAt != nil {
			lastSeen = a.LastSeenAt.Local().Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(a.AgentID, 12),
			truncate(a.DeviceID, 24),
			truncate(a.Hostname, 24),
			osArch(a.OS, a.Arch),
			status,
			online,
			lastSeen,
		)
	}
	w.Flush()
}

func osArch(goos, arch string) string {
	switch {
	case goos == "" && arch == "":
		return "-"
	case arch == "":
		return goos
	case goos == "":
		return arch
	}
	return goos + "/" + arch
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
