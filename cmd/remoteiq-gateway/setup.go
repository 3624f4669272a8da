// ABOUTME: init, bootstrap and token commands that prepare a gateway for first use
// ABOUTME: Writes the YAML config, creates the first admin operator and mints operator JWTs

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/auth"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/config"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// defaultTokenTTL is how long bootstrap and token JWTs stay valid unless --ttl says otherwise.
const defaultTokenTTL = 30 * 24 * time.Hour

// maxDisplayName bounds operator display names.
const maxDisplayName = 100

// dataDir returns the remoteiq data directory following XDG conventions.
func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "remoteiq")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "remoteiq")
}

// tokenPath is where bootstrap saves the operator token for the agents command.
func tokenPath(cfgPath string) string {
	return filepath.Join(filepath.Dir(cfgPath), "token")
}

// randomSecret returns n random bytes, base64 encoded.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// configFile is the subset of settings init and bootstrap write out.
type configFile struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"server"`
	Tailscale *tailscaleSection `yaml:"tailscale,omitempty"`
	Database  struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		EnrollmentSecret string `yaml:"enrollment_secret"`
	} `yaml:"auth"`
	Agents struct {
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		HeartbeatTimeout  string `yaml:"heartbeat_timeout"`
	} `yaml:"agents"`
	Jobs struct {
		DefaultTimeout     string `yaml:"default_timeout"`
		StuckAfter         string `yaml:"stuck_after"`
		StuckCheckSchedule string `yaml:"stuck_check_schedule"`
	} `yaml:"jobs"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

type tailscaleSection struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key,omitempty"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"`
}

// defaultConfigFile returns a config with fresh secrets and local defaults.
// enrollmentSecret is returned in plaintext even when hashed in the file.
func defaultConfigFile() (*configFile, error) {
	jwtSecret, err := randomSecret(32)
	if err != nil {
		return nil, fmt.Errorf("generating JWT secret: %w", err)
	}
	enrollSecret, err := randomSecret(24)
	if err != nil {
		return nil, fmt.Errorf("generating enrollment secret: %w", err)
	}

	var f configFile
	f.Server.HTTPAddr = "localhost:8080"
	f.Server.GRPCAddr = "localhost:50051"
	f.Database.Driver = config.DefaultDriver
	f.Database.Path = filepath.Join(dataDir(), "gateway.db")
	f.Auth.JWTSecret = jwtSecret
	f.Auth.EnrollmentSecret = enrollSecret
	f.Agents.HeartbeatInterval = config.DefaultHeartbeatInterval.String()
	f.Agents.HeartbeatTimeout = config.DefaultHeartbeatTimeout.String()
	f.Jobs.DefaultTimeout = config.DefaultJobTimeout.String()
	f.Jobs.StuckAfter = config.DefaultStuckAfter.String()
	f.Jobs.StuckCheckSchedule = config.DefaultStuckCheckSchedule
	f.Logging.Level = "info"
	f.Logging.Format = "text"
	return &f, nil
}

// writeConfigFile writes f as YAML with a header, creating the config and data directories.
func writeConfigFile(path, generatedBy string, f *configFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if dir := filepath.Dir(f.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	header := fmt.Sprintf("# remoteiq-gateway configuration\n# Generated by remoteiq-gateway %s\n\n", generatedBy)
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// openStore opens the configured database.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

// issueToken signs a JWT for operatorID and records the issuance in the audit log.
func issueToken(ctx context.Context, s store.AuditStore, secret, operatorID, actorID string, ttl time.Duration) (string, time.Time, error) {
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(operatorID, ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generating token: %w", err)
	}
	expiresAt := time.Now().Add(ttl).UTC()

	err = s.AppendAuditLog(ctx, &store.AuditEntry{
		ActorType:  store.ActorSystem,
		ActorID:    actorID,
		Action:     store.AuditCreateToken,
		TargetType: "operator",
		TargetID:   operatorID,
		Detail:     map[string]any{"expiresAt": expiresAt.Format(time.RFC3339)},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("recording token issuance: %w", err)
	}
	return token, expiresAt, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "remoteiq-gateway configuration setup")
	fmt.Fprintln(out, "====================================")
	fmt.Fprintln(out)

	f, err := defaultConfigFile()
	if err != nil {
		return err
	}

	outputFile := prompt(reader, out, "Config file path", configPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	f.Server.HTTPAddr = prompt(reader, out, "HTTP address", f.Server.HTTPAddr)
	f.Server.GRPCAddr = prompt(reader, out, "gRPC health address (empty to disable)", f.Server.GRPCAddr)

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	f.Database.Driver = prompt(reader, out, "SQLite driver (sqlite/sqlite3)", f.Database.Driver)
	f.Database.Path = prompt(reader, out, "SQLite database path", f.Database.Path)

	fmt.Fprintln(out, "\n--- Agent Enrollment ---")
	plainSecret := prompt(reader, out, "Enrollment secret", f.Auth.EnrollmentSecret)
	f.Auth.EnrollmentSecret = plainSecret
	if yes(prompt(reader, out, "Store the enrollment secret as a bcrypt hash?", "yes")) {
		hashed, err := auth.HashEnrollmentSecret(plainSecret)
		if err != nil {
			return fmt.Errorf("hashing enrollment secret: %w", err)
		}
		f.Auth.EnrollmentSecret = hashed
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	if yes(prompt(reader, out, "Enable Tailscale?", "no")) {
		ts := &tailscaleSection{Enabled: true}
		ts.Hostname = prompt(reader, out, "Tailscale hostname", "remoteiq-gateway")
		ts.AuthKey = prompt(reader, out, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		ts.Ephemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
		ts.Funnel = yes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
		if !ts.Funnel {
			ts.HTTPS = yes(prompt(reader, out, "Serve HTTPS on the tailnet?", "no"))
		}
		f.Tailscale = ts
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	f.Logging.Level = prompt(reader, out, "Log level (debug/info/warn/error)", f.Logging.Level)
	f.Logging.Format = prompt(reader, out, "Log format (text/json)", f.Logging.Format)

	if err := writeConfigFile(outputFile, "init", f); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Agents enroll with secret: %s\n", plainSecret)
	fmt.Fprintln(out, "\nNext:")
	fmt.Fprintln(out, "  remoteiq-gateway bootstrap --name \"Your Name\"")
	fmt.Fprintln(out, "  remoteiq-gateway serve")
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func newBootstrapCmd() *cobra.Command {
	var name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "bootstrap --name NAME",
		Short: "Create the first admin operator and its token",
		Long: `bootstrap performs first-time setup of the gateway:
  1. Creates the config file with random JWT and enrollment secrets (if missing)
  2. Creates the database and the first admin operator
  3. Signs a JWT for that operator and saves it next to the config file`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBootstrap(cmd.Context(), cmd.OutOrStdout(), configPath(), name, ttl)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name of the admin operator (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func validateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("display name cannot be empty or whitespace only")
	}
	if len(name) > maxDisplayName {
		return "", fmt.Errorf("display name exceeds maximum length of %d characters", maxDisplayName)
	}
	return name, nil
}

func runBootstrap(ctx context.Context, out io.Writer, cfgPath, name string, ttl time.Duration) error {
	displayName, err := validateDisplayName(name)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var enrollSecret string
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		f, err := defaultConfigFile()
		if err != nil {
			return err
		}
		enrollSecret = f.Auth.EnrollmentSecret
		if err := writeConfigFile(cfgPath, "bootstrap", f); err != nil {
			return err
		}
		green.Fprintf(out, "  ✓ Created config: %s\n", cfgPath)
	} else {
		cyan.Fprintf(out, "  Using existing config: %s\n", cfgPath)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	green.Fprintf(out, "  ✓ Database: %s\n", cfg.Database.Path)

	count, err := s.CountOperators(ctx)
	if err != nil {
		return fmt.Errorf("checking operators: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("bootstrap already complete: %d operator(s) exist", count)
	}

	op := &store.Operator{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		Role:        store.OperatorRoleAdmin,
		Status:      store.OperatorStatusActive,
	}
	if err := s.CreateOperator(ctx, op); err != nil {
		return fmt.Errorf("creating operator: %w", err)
	}
	if err := s.AppendAuditLog(ctx, &store.AuditEntry{
		ActorType:  store.ActorSystem,
		ActorID:    "bootstrap",
		Action:     store.AuditCreateOperator,
		TargetType: "operator",
		TargetID:   op.ID,
		Detail:     map[string]any{"displayName": displayName, "role": string(op.Role)},
	}); err != nil {
		return fmt.Errorf("recording operator creation: %w", err)
	}
	green.Fprintf(out, "  ✓ Created admin operator: %s\n", displayName)

	token, expiresAt, err := issueToken(ctx, s, cfg.Auth.JWTSecret, op.ID, "bootstrap", ttl)
	if err != nil {
		return err
	}
	tp := tokenPath(cfgPath)
	if err := os.WriteFile(tp, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Fprintf(out, "  ✓ Saved token: %s\n", tp)

	fmt.Fprintln(out)
	green.Fprintln(out, "  Bootstrap complete!")
	fmt.Fprintln(out)
	cyan.Fprintln(out, "  Admin Operator")
	cyan.Fprintln(out, "  --------------")
	fmt.Fprintf(out, "  ID:           %s\n", op.ID)
	fmt.Fprintf(out, "  Display Name: %s\n", displayName)
	fmt.Fprintf(out, "  Role:         admin\n")
	fmt.Fprintf(out, "  Token:        %s (expires %s)\n", tp, expiresAt.Format("Jan 02, 2006"))
	if enrollSecret != "" {
		fmt.Fprintf(out, "  Enrollment:   %s\n", enrollSecret)
	}
	fmt.Fprintln(out)

	yellow.Fprintln(out, "  Ready to go:")
	fmt.Fprintln(out, "    remoteiq-gateway serve    # start the gateway")
	fmt.Fprintln(out, "    remoteiq-gateway agents   # list enrolled agents")
	fmt.Fprintln(out)
	return nil
}

func newTokenCmd() *cobra.Command {
	var operatorID string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token --operator ID",
		Short: "Sign a JWT for an existing operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToken(cmd.Context(), cmd.OutOrStdout(), configPath(), operatorID, ttl)
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator", "", "operator id (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func runToken(ctx context.Context, out io.Writer, cfgPath, operatorID string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	op, err := s.GetOperator(ctx, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("operator %q not found", operatorID)
	}
	if err != nil {
		return fmt.Errorf("loading operator: %w", err)
	}
	if op.Status != store.OperatorStatusActive {
		return fmt.Errorf("operator %q is %s", operatorID, op.Status)
	}

	token, _, err := issueToken(ctx, s, cfg.Auth.JWTSecret, op.ID, "cli", ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
