package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NForce-ai/SDRbot/internal/app"
	"github.com/NForce-ai/SDRbot/internal/config"
	"github.com/NForce-ai/SDRbot/internal/logger"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
	verbose  bool

	cfg *config.Config
	lg  *logger.Logger

	// newApp builds the session for commands that need one. Tests replace
	// it to inject fakes.
	newApp = func(ctx context.Context, opts app.Options) (*app.App, error) {
		return app.New(ctx, opts)
	}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sdrbot",
	Short: "SDRbot - CRM agent for the terminal",
	Long: `SDRbot connects a planning model to the CRMs you use.
It keeps service credentials and schemas in sync, generates typed tools
from each CRM's live schema, and runs proposed actions behind an approval
gate.`,
	Version:            version,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sdrbot/sdrbot.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "also log to stderr")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	l, err := logger.New(loaded.Logging.LoggerConfig(verbose))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg, lg = loaded, l
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if lg == nil {
		return nil
	}
	err := lg.Close()
	lg = nil
	return err
}

// openApp wires a session from the loaded config. The caller closes it.
func openApp(cmd *cobra.Command, opts app.Options) (*app.App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	opts.Config = cfg
	return newApp(cmd.Context(), opts)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
