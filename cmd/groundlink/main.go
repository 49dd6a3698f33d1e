package main

import (
	"os"
	"path/filepath"

	"github.com/kalifun/groundlink/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "groundlink",
	Short: "Ground system core for cFS telemetry and commands",
	Long: `groundlink receives CCSDS telemetry over UDP, discovers the spacecraft
sending it, routes every packet onto a topic bus and decodes it for display.
It also encodes and sends commands back to flight software.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to groundlink.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config when given, then applies the logging flags.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return config.Config{}, err
	}
	logrus.WithField("config", configPath).Debug("Configuration loaded")
	return cfg, nil
}

// defsPath resolves a catalog file against the definitions directory.
func defsPath(cfg config.Config, name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.Definitions.Directory, name)
}
