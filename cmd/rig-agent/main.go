// ABOUTME: Entry point for rig-agent, the on-rig process that executes gateway commands
// ABOUTME: Registers the rig, reports heartbeat and telemetry, and runs the command executor

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/rig-gateway/internal/agentconf"
	"github.com/2389/rig-gateway/internal/executor"
	"github.com/2389/rig-gateway/internal/rigclient"
	"github.com/2389/rig-gateway/internal/webrtc"
)

var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", agentconf.DefaultPath(), "path to agent.toml")
	envFile := pflag.String("env", ".env", "dotenv file loaded before the config")
	gatewayURL := pflag.String("gateway", "", "gateway base URL (overrides gateway.url)")
	deviceName := pflag.String("device", "", "rig display name (overrides device.name)")
	simSpeed := pflag.Float64("sim-speed", 40, "speed of the simulated car while driving, km/h")
	simLap := pflag.Duration("sim-lap", time.Minute, "lap time of the simulated car")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, options{
		configPath: *configPath,
		envFile:    *envFile,
		gatewayURL: *gatewayURL,
		deviceName: *deviceName,
		simSpeed:   *simSpeed,
		simLap:     *simLap,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	gatewayURL string
	deviceName string
	simSpeed   float64
	simLap     time.Duration
}

func loadConfig(opts options) (*agentconf.Config, error) {
	if err := agentconf.LoadEnv(opts.envFile); err != nil {
		return nil, err
	}

	cfg, err := agentconf.Load(opts.configPath)
	if errors.Is(err, os.ErrNotExist) {
		// Flags and the environment alone can describe an agent.
		cfg, err = agentconf.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if opts.gatewayURL != "" {
		cfg.Gateway.URL = opts.gatewayURL
	}
	if tok := os.Getenv("RIG_AGENT_TOKEN"); tok != "" {
		cfg.Gateway.Token = tok
	}
	if opts.deviceName != "" {
		cfg.Device.Name = opts.deviceName
	}
	if cfg.Device.Fingerprint == "" {
		if host, _ := os.Hostname(); host != "" {
			cfg.Device.Fingerprint = host
		}
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = cfg.Device.Fingerprint
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging.Level)

	client := rigclient.New(cfg.Gateway.URL, cfg.Gateway.Token, &http.Client{Timeout: 30 * time.Second})

	dev, err := client.Register(ctx, cfg.Device.Fingerprint, cfg.Device.Name)
	if err != nil {
		return fmt.Errorf("registering rig: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("rig %s registered as %s", dev.Name, dev.ID)
	if !dev.Claimed {
		color.New(color.FgYellow).Print(" (unclaimed: an admin must claim it before anyone can queue)")
	}
	fmt.Println()

	logger = logger.With("device_id", dev.ID)

	rig := executor.NewSimRig(time.Now)

	var onReset []func()
	var answerer *webrtc.Answerer
	if cfg.WebRTC.Enabled {
		answerer, err = webrtc.NewAnswerer(webrtc.Options{
			GatherTimeout:   cfg.WebRTC.GatherTimeout,
			IncludeLoopback: cfg.WebRTC.IncludeLoopback,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("creating webrtc answerer: %w", err)
		}
		defer answerer.CloseAll()
		onReset = append(onReset, answerer.CloseAll)
	}

	exec := executor.New(dev.ID, client, rig, rig, executor.Options{
		PollInterval: cfg.Agent.PollInterval,
		Hold: executor.HoldOptions{
			Interval: cfg.Hold.Interval,
			Ceiling:  cfg.Hold.Ceiling,
		},
		StopSpeedKMH: cfg.Agent.StopSpeedKMH,
		OnReset:      onReset,
		Logger:       logger,
	})
	defer exec.Close()
	if answerer != nil {
		exec.Handle(webrtc.ActionOffer, answerer.HandleOffer)
		exec.Handle(webrtc.ActionICE, answerer.HandleICE)
	}

	a := &agent{deviceID: dev.ID, client: client, sensor: rig, logger: logger}
	driver := &simDriver{rig: rig, speedKMH: opts.simSpeed, lapTime: opts.simLap, now: time.Now}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.every(ctx, "heartbeat", cfg.Agent.HeartbeatInterval, a.heartbeat)
	}()
	go func() {
		defer wg.Done()
		a.every(ctx, "telemetry", cfg.Agent.TelemetryInterval, a.telemetry)
	}()
	go func() {
		defer wg.Done()
		a.every(ctx, "sim driver", cfg.Agent.TelemetryInterval, driver.step)
	}()

	logger.Info("rig agent running", "gateway", cfg.Gateway.URL, "webrtc", cfg.WebRTC.Enabled)
	err = exec.Run(ctx)
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
