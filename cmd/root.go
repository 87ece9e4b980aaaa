/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/krobus00/market-bridge/internal/config"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var errConfigLoad = errors.New("config load failed")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "market-bridge",
	Short: "Market data and order entry gateway",
	Long: `MarketBridge maintains a single authenticated session to an upstream
brokerage API and fans the resulting event streams out to browser clients
over a JSON/WebSocket protocol.

Clients issue subscribe/unsubscribe and order commands; the gateway
translates them into upstream requests, tracks per-subscription state,
and routes asynchronous upstream callbacks back to the originating client.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("%w: %v", errConfigLoad, err)
		}

		logrus.SetReportCaller(config.Env.Log.ShowCaller)

		if config.Env.Env == constant.ProductionEnvironment {
			logrus.SetFormatter(&logrus.JSONFormatter{})
		}

		logLevel, err := logrus.ParseLevel(config.Env.Log.LogLevel)
		if err != nil {
			return fmt.Errorf("%w: %v", errConfigLoad, err)
		}
		logrus.SetLevel(logLevel)

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
//
// Exit codes: 1 for configuration errors, 64 for invalid CLI usage.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	if errors.Is(err, errConfigLoad) {
		os.Exit(constant.ExitConfigError)
	}

	os.Exit(constant.ExitInvalidCLI)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: ./config.yml)")
}
