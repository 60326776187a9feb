// -- cmd/root.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/internal/config"
	"github.com/xkilldash9x/storelink-cli/internal/observability"
)

var (
	cfgFile string

	// Driver override flags, applied on top of the file/env config.
	driverKind     string
	driverHeadless bool
	driverDebug    bool

	// appConfig is built once in PersistentPreRunE and shared by every
	// subcommand.
	appConfig config.Interface
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "storelink-cli",
	Short: "Storelink links Korean seller portal accounts and collects their VAT reports.",
	// Version is dynamically set at build time. See cmd/version.go.
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// This function runs before any command, setting up config and logging.
		if err := initializeConfig(); err != nil {
			return err
		}

		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			// Initialize a fallback logger so the error is at least visible.
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "storelink-cli"})
			return err
		}

		flags := cmd.Root().PersistentFlags()
		if flags.Changed("driver") {
			cfg.SetDriverKind(driverKind)
		}
		if flags.Changed("headless") {
			cfg.SetDriverHeadless(driverHeadless)
		}
		if flags.Changed("driver-debug") {
			cfg.SetDriverDebug(driverDebug)
		}
		appConfig = cfg

		observability.InitializeLogger(cfg.Logger())
		observability.GetLogger().Info("Starting storelink-cli", zap.String("version", Version))
		return nil
	},
}

// Execute runs the root command under a signal aware context so a
// Ctrl-C drains in flight runs instead of killing them mid portal.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil && logger != zap.NewNop() {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&driverKind, "driver", "", `portal driver: "browser" or "session" (overrides config/env)`)
	rootCmd.PersistentFlags().BoolVar(&driverHeadless, "headless", true, "run the browser driver headless (overrides config/env)")
	rootCmd.PersistentFlags().BoolVar(&driverDebug, "driver-debug", false, "log every driver action (overrides config/env)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newLinkCmd())
	rootCmd.AddCommand(newReportCmd())
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig() error {
	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("STORELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	config.SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars.
	}
	return nil
}
