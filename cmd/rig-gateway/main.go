// ABOUTME: Entry point for rig-gateway, the rig access coordinator
// ABOUTME: Subcommands to serve, write config, bootstrap an admin, and query a running gateway

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/rig-gateway/internal/accounts"
	"github.com/2389/rig-gateway/internal/auth"
	"github.com/2389/rig-gateway/internal/config"
	"github.com/2389/rig-gateway/internal/gateway"
	"github.com/2389/rig-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _                       _
  _ __(_) __ _       __ _  __ _| |_ _____      ____ _ _   _
 | '__| |/ _' |____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | |  | | (_| |____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|  |_|\__, |     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
         |___/      |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RIG_CONFIG env var > XDG_CONFIG_HOME/rig/gateway.yaml > ~/.config/rig/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RIG_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "rig", "gateway.yaml")
}

// getDataPath returns the rig data directory.
// Priority: XDG_DATA_HOME/rig > ~/.local/share/rig
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "rig")
}

// getTokenPath is where bootstrap saves the admin token for CLI use.
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: rig-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  bootstrap --name NAME  Create the first admin user and token")
		fmt.Println("  bootstrap --agent      Mint a token for a rig agent")
		fmt.Println("  health                 Check gateway health")
		fmt.Println("  devices                List registered rigs")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "devices":
		err = runDevices(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s (gRPC)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Session:   %ds for %d credits\n", cfg.Session.DurationSeconds, cfg.Queue.SessionCost)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting rig-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, status, err := get(ctx, fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr), "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

type deviceSummary struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Claimed  bool       `json:"claimed"`
	OwnerID  string     `json:"owner_id"`
	Active   bool       `json:"active"`
	Live     bool       `json:"live"`
	LastSeen *time.Time `json:"last_seen"`
	QueueLen int        `json:"queue_length"`
	Phase    string     `json:"session_phase"`
}

func runDevices(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token := os.Getenv("RIG_TOKEN")
	if token == "" {
		data, err := os.ReadFile(getTokenPath())
		if err != nil {
			return fmt.Errorf("no RIG_TOKEN set and no token file (run bootstrap first): %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	body, status, err := get(ctx, fmt.Sprintf("http://%s/api/devices", cfg.Server.HTTPAddr), token)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing devices: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var resp struct {
		Devices []deviceSummary `json:"devices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding devices: %w", err)
	}

	if len(resp.Devices) == 0 {
		fmt.Println("no devices registered")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tOWNER\tQUEUE\tSESSION")
	for _, d := range resp.Devices {
		state := color.RedString("offline")
		switch {
		case !d.Active:
			state = color.HiBlackString("deactivated")
		case d.Live:
			state = color.GreenString("live")
		}
		owner := d.OwnerID
		if !d.Claimed {
			owner = "-"
		}
		phase := d.Phase
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", d.ID, d.Name, state, owner, d.QueueLen, phase)
	}
	return tw.Flush()
}

func get(ctx context.Context, url, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// runBootstrap performs first-time setup of the gateway:
// 1. Creates config file with random JWT secret (if not exists)
// 2. Creates the database and an admin user
// 3. Generates a JWT for the admin
//
// With --agent it only mints a token for a rig agent.
func runBootstrap(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("bootstrap", pflag.ContinueOnError)
	displayName := fs.StringP("name", "n", "", "display name of the admin user")
	userID := fs.String("id", "admin", "user id (or agent subject with --agent)")
	agentToken := fs.Bool("agent", false, "mint a token for a rig agent instead of creating an admin")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	configPath := getConfigPath()
	cfg, created, err := loadOrCreateConfig(configPath)
	if err != nil {
		return err
	}
	if created {
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	if *agentToken {
		subject := *userID
		if subject == "admin" {
			subject = "rig-agent"
		}
		token, err := verifier.Generate(subject, auth.RoleAgent, *ttl)
		if err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
		green.Printf("  ✓ Agent token for %s (expires %s)\n\n", subject, time.Now().Add(*ttl).Format("Jan 02, 2006"))
		fmt.Println(token)
		return nil
	}

	name := strings.TrimSpace(*displayName)
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("display name exceeds maximum length of 100 characters")
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	svc := accounts.New(s, accounts.Options{StartingCredits: cfg.Queue.StartingCredits})
	u, err := svc.CreateUser(ctx, *userID, name, true)
	if errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("bootstrap already complete: user %s exists", *userID)
	}
	if err != nil {
		return fmt.Errorf("creating admin user: %w", err)
	}

	green.Printf("  ✓ Created admin user: %s\n", u.DisplayName)

	token, err := verifier.Generate(u.ID, auth.RoleAdmin, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := getTokenPath()
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Admin User")
	cyan.Println("  ----------")
	fmt.Printf("  ID:           %s\n", u.ID)
	fmt.Printf("  Display Name: %s\n", u.DisplayName)
	fmt.Printf("  Credits:      %d\n", u.Credits)
	fmt.Printf("  Token:        %s (expires %s)\n", tokenPath, time.Now().Add(*ttl).Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    rig-gateway serve              # start the gateway")
	fmt.Println("    rig-gateway bootstrap --agent  # token for rig-agent")
	fmt.Println()

	return nil
}

// loadOrCreateConfig loads configPath, writing a fresh config with a random
// JWT secret first when none exists.
func loadOrCreateConfig(configPath string) (*config.Config, bool, error) {
	if _, err := os.Stat(configPath); err == nil {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, false, fmt.Errorf("loading config: %w", err)
		}
		if len(cfg.Auth.JWTSecret) < auth.MinSecretLength {
			return nil, false, fmt.Errorf("jwt_secret in %s must be at least %d bytes", configPath, auth.MinSecretLength)
		}
		return cfg, false, nil
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("checking config: %w", err)
	}

	secret, err := newSecret()
	if err != nil {
		return nil, false, err
	}

	dataPath := getDataPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, false, fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, false, fmt.Errorf("creating data directory: %w", err)
	}

	content := renderConfig(configValues{
		HTTPAddr:  "localhost:8080",
		GRPCAddr:  "localhost:50051",
		DBPath:    filepath.Join(dataPath, "gateway.db"),
		JWTSecret: secret,
		LogLevel:  "info",
		LogFormat: "text",
	})
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return nil, false, fmt.Errorf("writing config file: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, true, nil
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("rig-gateway configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, err := newSecret()
	if err != nil {
		return err
	}

	v := configValues{JWTSecret: secret}

	fmt.Println("\n--- Server Configuration ---")
	v.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	v.GRPCAddr = prompt(reader, "gRPC health address (empty to disable)", "localhost:50051")

	fmt.Println("\n--- Database Configuration ---")
	v.DBPath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "gateway.db"))

	fmt.Println("\n--- Sessions ---")
	v.SessionCost = prompt(reader, "Credits per session", "100")
	v.StartingCredits = prompt(reader, "Credits for new users", "0")
	v.DurationSeconds = prompt(reader, "Race duration in seconds", "300")

	fmt.Println("\n--- Tailscale Configuration ---")
	v.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if v.Tailscale {
		v.TSHostname = prompt(reader, "Tailscale hostname", "rig-gateway")
		v.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		v.TSEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	v.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	v.LogFormat = prompt(reader, "Log format (text/json)", "text")

	content := renderConfig(v)
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(v.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext:")
	fmt.Printf("  rig-gateway bootstrap --name \"Your Name\"\n")
	fmt.Printf("  rig-gateway serve\n")

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
