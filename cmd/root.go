package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/servhost/internal/config"
	"github.com/zjrosen/servhost/internal/log"
)

func init() {
	// Query the terminal background before any Bubble Tea program starts so
	// the OSC 11 reply does not race with the trace window's input loop.
	_ = lipgloss.HasDarkBackground()
}

var (
	version    = "dev"
	cfgFile    string
	cfg        config.Config
	cfgUsed    string
	logCleanup func()

	regServer   bool
	unregServer bool
	embedding   bool
	debugFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "servhost",
	Short: "Out-of-process service host",
	Long: `servhost hosts service objects in a long-lived process and publishes
their activation metadata in a registration store.

Without a subcommand it runs the server. The process exits once no remote
object is active and the trace window is closed.

  servhost --regserver      register every hosted class
  servhost --unregserver    remove the registrations
  servhost --embedding      run without the trace window`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	rootCmd.PersistentPreRunE = setup

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.servhost/config.yaml or ~/.config/servhost/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also SERVHOST_DEBUG)")

	rootCmd.Flags().BoolVar(&regServer, "regserver", false, "register hosted classes and exit")
	rootCmd.Flags().BoolVar(&unregServer, "unregserver", false, "unregister hosted classes and exit")
	rootCmd.Flags().BoolVar(&embedding, "embedding", false, "run without the trace window")
	rootCmd.MarkFlagsMutuallyExclusive("regserver", "unregserver", "embedding")
}

// setup loads configuration and starts logging for every command.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, cfgUsed, err = config.Load(viper.New(), cfgFile)
	if err != nil {
		return err
	}
	if debugFlag {
		cfg.Log.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return initLogging(cmd.Name() == rootCmd.Name() && !regServer && !unregServer)
}

// initLogging writes to cfg.Log.Path when set and keeps the in-memory buffer
// either way. Server runs route Bubble Tea's diagnostics into the same file.
func initLogging(server bool) error {
	switch {
	case cfg.Log.Path != "" && server:
		cleanup, err := log.InitWithTeaLog(cfg.Log.Path, "servhost")
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		logCleanup = cleanup
	case cfg.Log.Path != "":
		cleanup, err := log.Init(cfg.Log.Path)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		logCleanup = cleanup
	default:
		log.InitWriter(nil)
	}
	level, _ := log.ParseLevel(cfg.Log.Level)
	log.SetMinLevel(level)
	log.Info(log.CatConfig, "servhost starting", "version", version, "config", cfgUsed, "store", cfg.Store.Path)
	return nil
}

func teardown() {
	if logCleanup != nil {
		logCleanup()
		logCleanup = nil
	}
}

func runRoot(cmd *cobra.Command, _ []string) error {
	switch {
	case regServer:
		return runInstall(cmd.Context(), cmd.OutOrStdout(), false)
	case unregServer:
		return runUninstall(cmd.Context(), cmd.OutOrStdout(), false)
	default:
		return runServer(cmd, embedding)
	}
}

// Execute runs the root command. Failures are reported on stderr and
// returned so main can exit non-zero.
func Execute() error {
	return ExecuteContext(context.Background(), os.Stderr)
}

// ExecuteContext is Execute with an explicit context and error writer.
func ExecuteContext(ctx context.Context, stderr io.Writer) error {
	err := rootCmd.ExecuteContext(ctx)
	teardown()
	if err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(stderr, "servhost: %v\n", err)
		return err
	}
	return nil
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
