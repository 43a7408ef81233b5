package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/api/option"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/calsyncd/internal/auth"
	"github.com/schaermu/calsyncd/internal/config"
	"github.com/schaermu/calsyncd/internal/gcal"
	"github.com/schaermu/calsyncd/internal/sync"
	"github.com/schaermu/calsyncd/internal/watch"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string
	dryRun    bool

	// newGateway builds the remote calendar client; replaced in tests
	newGateway = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (gcal.Gateway, error) {
		httpClient, err := auth.New(cfg.Auth.CredentialsFile, cfg.Auth.TokenFile, logger).Client(ctx)
		if err != nil {
			return nil, err
		}
		var opts []option.ClientOption
		if cfg.Calendar.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Calendar.Endpoint))
		}
		return gcal.NewClient(ctx, httpClient, cfg.Calendar.ID, opts...)
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "calsyncd",
	Short: "Synchronize a directory of event files with Google Calendar",
	Long: `calsyncd mirrors a Google Calendar as plain text files laid out as
root/YYYY/MM/DD/<summary>.txt and pushes local edits back.

It can run as a oneshot sync (e.g. from a systemd timer or cron) or as a
long-running watcher that pushes every change as soon as it is saved.`,
	SilenceUsage: true,
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize calsyncd to access your Google Calendar",
	Long: `Auth runs the OAuth consent flow in your browser and stores the resulting
token in the configured token file. The client secrets file must be
downloaded from the Google Cloud console ("Desktop app" OAuth client).`,
	RunE: runAuth,
}

var deauthCmd = &cobra.Command{
	Use:   "deauth",
	Short: "Remove the stored Google Calendar authorization",
	RunE:  runDeauth,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync between the event directory and the calendar",
	Long: `Sync pulls every event of the current year into the event directory, then
pushes each event file modified since the previous sync.

Files without an event ID are created remotely and rewritten with the new ID.`,
	RunE: runSync,
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"autosync"},
	Short:   "Watch the event directory and push changes continuously",
	Long: `Watch monitors the event directory and pushes every created or modified
event file to the calendar. Deleting a file deletes its remote event.

If watch.resync is configured, remote changes are pulled on that schedule.`,
	RunE: runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "calsyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/calsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file, rotated by size (overrides log.file)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(deauthCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	a := auth.New(cfg.Auth.CredentialsFile, cfg.Auth.TokenFile, logger)
	if a.HasToken() {
		logger.Info("replacing existing authorization", "token_file", cfg.Auth.TokenFile)
	}
	a.OpenURL = func(url string) error {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Open this URL in your browser to authorize calsyncd:\n\n  %s\n\n", url)
		return err
	}

	if err := a.Login(ctx); err != nil {
		logger.Error("authorization failed", "error", err)
		return err
	}
	return nil
}

func runDeauth(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	existed, err := auth.New(cfg.Auth.CredentialsFile, cfg.Auth.TokenFile, logger).Revoke()
	if err != nil {
		return err
	}
	if existed {
		logger.Info("removed stored authorization", "token_file", cfg.Auth.TokenFile)
	} else {
		logger.Info("no stored authorization found", "token_file", cfg.Auth.TokenFile)
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	gateway, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return gatewayError(logger, err)
	}

	// Create sync engine
	engine := sync.NewEngine(cfg, gateway, logger, dryRun)

	// Run sync
	logger.Info("starting sync operation")
	if _, err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	gateway, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return gatewayError(logger, err)
	}

	engine := sync.NewEngine(cfg, gateway, logger, false)
	if err := watch.NewLoop(cfg, engine, logger).Run(ctx); err != nil {
		logger.Error("watch failed", "error", err)
		return err
	}
	return nil
}

func gatewayError(logger *slog.Logger, err error) error {
	if errors.Is(err, auth.ErrNotAuthenticated) {
		logger.Error("no stored authorization, run 'calsyncd auth' first")
		return err
	}
	logger.Error("failed to connect to calendar", "error", err)
	return fmt.Errorf("failed to create calendar client: %w", err)
}

// bootstrap loads the configuration and returns the logger every command
// uses. The returned func closes the log file, if any.
func bootstrap(cmd *cobra.Command) (*config.Config, *slog.Logger, func(), error) {
	out := cmd.OutOrStdout()
	logger := setupLogger(out)

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	path := logFile
	if path == "" {
		path = cfg.Log.File
	}
	if path == "" {
		return cfg, logger, func() {}, nil
	}

	rotating := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}
	return cfg, setupLogger(io.MultiWriter(out, rotating)), func() { _ = rotating.Close() }, nil
}

func setupLogger(out io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		var err error
		configPath, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"root", cfg.Paths.Root,
		"calendar", cfg.Calendar.ID,
		"cursor_file", cfg.Paths.CursorFile,
		"anchor", cfg.Sync.Anchor)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
