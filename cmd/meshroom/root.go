package main

import (
	"os"

	"meshroom/internal/ui"
	"meshroom/pkg/config"
	"meshroom/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// A missing default file means built-in defaults plus MESHROOM_* overrides.
const defaultConfigFile = "meshroom.yaml"

var (
	configPath string
	serverURL  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "meshroom",
	Short: "Full-mesh peer-to-peer video rooms from the terminal",
	Long: `meshroom joins video rooms where every participant streams directly to
every other participant over WebRTC. A lightweight relay only forwards
signaling, room membership and chat.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("MESHROOM_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "signaling relay websocket URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(joinCmd, roomsCmd, watchCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

// loadConfig resolves the config file, then applies command line overrides.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = defaultConfigFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}
	return cfg, nil
}

func newLogger() *zap.SugaredLogger {
	return logger.New(logLevel, "console").Sugar()
}
