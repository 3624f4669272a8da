// ABOUTME: Network listeners for the gateway: plain TCP or a tsnet node on the tailnet
// ABOUTME: The tailnet HTTP listener is plain :80, tailnet-cert HTTPS on :443, or Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/config"
)

// tailnetGRPCPort is where the gRPC health server listens on the tailnet.
const tailnetGRPCPort = ":50051"

// EnvTailscaleAuthKey is read when tailscale.auth_key is empty.
const EnvTailscaleAuthKey = "TS_AUTHKEY"

// listeners holds what Run serves on. grpc is nil when the health server is disabled.
// owned lists everything to close if setup fails part way.
type listeners struct {
	grpc  net.Listener
	http  net.Listener
	owned []io.Closer
}

func (l *listeners) own(c io.Closer) {
	l.owned = append(l.owned, c)
}

// abort closes everything opened so far in reverse order.
func (l *listeners) abort() {
	for i := len(l.owned) - 1; i >= 0; i-- {
		_ = l.owned[i].Close()
	}
	l.owned = nil
}

// openListeners picks tailnet or TCP listeners from config.
func (g *Gateway) openListeners(ctx context.Context) (*listeners, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server addresses are ignored while tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.openTailnetListeners(ctx)
	}
	return g.openTCPListeners()
}

func (g *Gateway) openTCPListeners() (*listeners, error) {
	ls := &listeners{}

	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	ls.http = httpLn
	ls.own(httpLn)

	if addr := g.config.Server.GRPCAddr; addr != "" {
		grpcLn, err := net.Listen("tcp", addr)
		if err != nil {
			ls.abort()
			return nil, fmt.Errorf("listening on gRPC address %s: %w", addr, err)
		}
		ls.grpc = grpcLn
		ls.own(grpcLn)
	}
	return ls, nil
}

// tailnetStateDir defaults to $XDG_DATA_HOME/remoteiq/tailscale.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "remoteiq", "tailscale"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "remoteiq", "tailscale"), nil
}

func tailnetAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv(EnvTailscaleAuthKey); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("tailscale auth key required: set tailscale.auth_key or $%s", EnvTailscaleAuthKey)
}

func (g *Gateway) openTailnetListeners(ctx context.Context) (*listeners, error) {
	ts := g.config.Tailscale

	dir, err := tailnetStateDir(ts.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	key, err := tailnetAuthKey(ts.AuthKey)
	if err != nil {
		return nil, err
	}

	node := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       dir,
		Ephemeral: ts.Ephemeral,
		AuthKey:   key,
	}
	ls := &listeners{}
	ls.own(node)

	g.logger.Info("joining tailnet", "hostname", ts.Hostname, "state_dir", dir, "ephemeral", ts.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		ls.abort()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	attrs := []any{"hostname", ts.Hostname}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "tailscale_ip", status.TailscaleIPs[0].String())
	} else {
		g.logger.Warn("tailscale node has no addresses yet")
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	g.logger.Info("tailnet node ready", attrs...)

	grpcLn, err := node.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		ls.abort()
		return nil, fmt.Errorf("listening on tailnet gRPC port: %w", err)
	}
	ls.grpc = grpcLn
	ls.own(grpcLn)

	httpLn, err := tailnetHTTPListener(node, ts)
	if err != nil {
		ls.abort()
		return nil, err
	}
	ls.http = httpLn
	ls.own(httpLn)

	g.tsnetServer = node
	return ls, nil
}

// tailnetHTTPListener opens the HTTP API listener for the configured exposure.
func tailnetHTTPListener(node *tsnet.Server, ts config.TailscaleConfig) (net.Listener, error) {
	if ts.Funnel {
		ln, err := node.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("enabling tailscale funnel: %w", err)
		}
		return ln, nil
	}
	if !ts.HTTPS {
		ln, err := node.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet :80: %w", err)
		}
		return ln, nil
	}

	lc, err := node.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}
	ln, err := node.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailnet :443: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
