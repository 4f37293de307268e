package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"wfpscan/internal/config"
	"wfpscan/internal/logging"
)

type rootOptions struct {
	configPath string
	debug      bool
	trace      bool
	quiet      bool
}

var rootOpts rootOptions

var rootCmd = &cobra.Command{
	Use:   "wfpscan",
	Short: "wfpscan - dispatch source fingerprints to a scan service",
	Long: "wfpscan posts winnowing fingerprint (WFP) files to an open source identification service in parallel\n" +
		"and merges the per-file matches into a single result document.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errScanIncomplete) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&rootOpts.configPath, "config", "c", "", "Path to a TOML config file (default ~/.config/wfpscan/config.toml)")
	flags.BoolVarP(&rootOpts.debug, "debug", "d", false, "Enable debug messages")
	flags.BoolVarP(&rootOpts.trace, "trace", "t", false, "Enable trace messages, including API posts")
	flags.BoolVarP(&rootOpts.quiet, "quiet", "q", false, "Only print warnings and errors")
}

// loadConfig reads the config file and builds the logger its settings ask
// for, with the verbosity switches applied on top.
func loadConfig() (*config.Config, logging.Logger, error) {
	cfg, path, exists, err := config.Load(rootOpts.configPath)
	if err != nil {
		return nil, logging.Nop(), err
	}
	log := logging.New(logging.Options{
		Level:  logging.LevelFromFlags(cfg.Logging.Level, rootOpts.debug, rootOpts.trace, rootOpts.quiet),
		Format: cfg.Logging.Format,
	})
	if exists {
		log.Debug().Str("path", path).Msg("loaded config")
	}
	return cfg, log, nil
}
