// Package cmd implements the umdblock command line interface.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/javi11/umdblock/internal/blockdev"
	"github.com/javi11/umdblock/internal/config"
	"github.com/javi11/umdblock/internal/logging"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	strict     bool

	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "umdblock",
	Short: "Inspect and extract PSP-style disc images",
	Long: `umdblock exposes raw ISO, CISO and NPDRM PBP disc images through a
uniform 2048-byte block read interface and provides commands to sniff,
inspect and extract them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("strict") {
			cfg.Strict = strict
		}

		log = logging.New(cfg.Log)
		slog.SetDefault(log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&strict, "strict", false, "fail on image format violations instead of tolerating them")
}

// deviceOptions translates the loaded configuration into device construction
// options.
func deviceOptions() []blockdev.Option {
	opts := []blockdev.Option{blockdev.WithLogger(log)}
	if cfg.Strict {
		opts = append(opts, blockdev.WithStrict())
	}
	return opts
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return err
}
