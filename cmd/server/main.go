package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/auth"
	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/KevinKickass/OpenFarmCore/internal/livefeed"
	"github.com/KevinKickass/OpenFarmCore/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "openfarmcore",
		Short: "OpenFarmCore device backend",
		Long:  "Backend for irrigation and lighting controllers: MQTT command/acknowledgment, telemetry, automation and live events.",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the backend service",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("OpenFarmCore %s\n", version)
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token <subject>",
		Short: "Sign an access token with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follow the live event feed of a running server",
		RunE:  runWatch,
	}
)

var (
	tokenRole     string
	tokenUsername string
	tokenTTL      time.Duration

	watchServer  string
	watchToken   string
	watchDevices []string
	watchTopics  []string
	watchArea    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/config.yaml", "Configuration file path")

	tokenCmd.Flags().StringVar(&tokenRole, "role", "operator", "Role claim (viewer, operator, admin)")
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "Username claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "Base URL of the HTTP API")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Bearer token")
	watchCmd.Flags().StringSliceVar(&watchDevices, "device", nil, "Device ids to poll while the live feed is down")
	watchCmd.Flags().StringSliceVar(&watchTopics, "topic", nil, "Topics to subscribe to, e.g. sensor:ESP32-001")
	watchCmd.Flags().StringVar(&watchArea, "area", "", "Only receive events of this area")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configFile
	if _, err := os.Stat(path); os.IsNotExist(err) && !rootCmd.PersistentFlags().Changed("config") {
		// defaults and environment only
		path = ""
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level

	return zcfg.Build()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", configFile))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle, err := system.NewLifecycleManager(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if err := lifecycle.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = lifecycle.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start system: %w", err)
	}

	logger.Info("OpenFarmCore started successfully", zap.String("version", version))

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("OpenFarmCore stopped successfully")
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	verifier := auth.NewVerifier(cfg.Auth.GetJWTSecret(), cfg.Auth.Issuer)
	token, err := verifier.Issue(args[0], tokenUsername, tokenRole, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := json.NewEncoder(os.Stdout)
	client := livefeed.New(livefeed.Options{
		BaseURL:      watchServer,
		Token:        watchToken,
		DeviceIDs:    watchDevices,
		Topics:       watchTopics,
		AreaID:       watchArea,
		PollInterval: cfg.Events.PollInterval,
	}, livefeed.Handler{
		OnEvent: func(ev livefeed.Event) {
			_ = out.Encode(ev)
		},
		OnPoll: func(deviceID string, state json.RawMessage) {
			_ = out.Encode(map[string]any{"type": "state", "device_id": deviceID, "data": state})
		},
	}, logger.Named("livefeed"))

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
