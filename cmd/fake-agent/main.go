// ABOUTME: Reference agent for end-to-end testing of remoteiq-gateway
// ABOUTME: Enrolls, holds the agent websocket open, runs pushed scripts and reports results over HTTP

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// version is reported to the gateway on enrollment and ping.
var version = "dev"

const (
	reconnectDelay    = 5 * time.Second
	maxReconnectDelay = 60 * time.Second
)

type options struct {
	server    string
	secret    string
	deviceID  string
	statePath string
	debug     bool
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "fake-agent",
		Short: "Reference agent for remoteiq-gateway",
		Long: `fake-agent enrolls with a remoteiq-gateway and then:
  - Maintains the agent WebSocket, reconnecting with backoff
  - Runs scripts the gateway pushes and reports running/finish
  - Reports host facts and a small software inventory`,
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, newLogger(opts.debug))
		},
	}

	cmd.Flags().StringVarP(&opts.server, "server", "s", "http://localhost:8080", "gateway base URL")
	cmd.Flags().StringVarP(&opts.secret, "secret", "k", os.Getenv("REMOTEIQ_ENROLLMENT_SECRET"), "enrollment secret (default $REMOTEIQ_ENROLLMENT_SECRET)")
	cmd.Flags().StringVarP(&opts.deviceID, "device-id", "d", "", "stable device id (default: host id)")
	cmd.Flags().StringVar(&opts.statePath, "state", "fake-agent.yaml", "file holding the agent id and token")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	return cmd
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run enrolls if needed and keeps a session open until ctx is cancelled.
func run(ctx context.Context, opts options, logger *slog.Logger) error {
	facts := collectFacts(ctx)
	if opts.deviceID == "" {
		opts.deviceID = facts.hostID
	}
	if opts.deviceID == "" {
		return errors.New("--device-id is required when the host id is unavailable")
	}

	state, err := loadState(opts.statePath)
	if err != nil {
		return err
	}

	api := newAPIClient(opts.server)
	a := newAgent(api, logger, newRunner())

	ensureEnrolled := func() error {
		if state.usable(opts.server, opts.deviceID) {
			api.token = state.Token
			return nil
		}
		if opts.secret == "" {
			return errors.New("not enrolled: pass --secret or set $REMOTEIQ_ENROLLMENT_SECRET")
		}
		res, err := api.enroll(ctx, opts.secret, opts.deviceID, facts)
		if err != nil {
			return err
		}
		state = &agentState{Server: opts.server, DeviceID: opts.deviceID, AgentID: res.AgentID, Token: res.Token}
		if err := saveState(opts.statePath, state); err != nil {
			return err
		}
		api.token = res.Token
		logger.Info("enrolled", "agent_id", res.AgentID, "rotated", res.Rotated)
		return nil
	}

	if err := ensureEnrolled(); err != nil {
		return err
	}

	if err := api.ping(ctx, facts); err != nil {
		logger.Warn("ping failed", "error", err)
	}
	if err := api.reportSoftware(ctx, inventory(facts)); err != nil {
		logger.Warn("software report failed", "error", err)
	}

	delay := reconnectDelay
	for {
		connected, err := a.serve(ctx)
		if ctx.Err() != nil {
			a.wait()
			return nil
		}

		if errors.Is(err, errUnauthorized) {
			logger.Warn("token rejected, enrolling again")
			state.Token = ""
			if err := ensureEnrolled(); err != nil {
				return err
			}
			continue
		}

		if connected {
			delay = reconnectDelay
		}
		logger.Warn("connection lost", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			a.wait()
			return nil
		case <-time.After(delay):
		}

		if !connected {
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}
}
