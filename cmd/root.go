/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"os"

	"github.com/krobus00/market-feed-relay/internal/config"
	"github.com/krobus00/market-feed-relay/internal/constant"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "market-feed-relay",
	Short: "Relay a single upstream market data feed to many websocket clients",
	Long: `market-feed-relay holds one authenticated streaming connection to the
upstream market data feed, keeps the set of subscribed instruments, replays it
after every reconnect and fans each frame out to all connected clients.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		logrus.SetReportCaller(config.Env.Log.ShowCaller)
		logrus.AddHook(serviceFieldHook{})

		if config.Env.Env == constant.ProductionEnvironment {
			logrus.SetFormatter(&logrus.JSONFormatter{})
		}

		logLevel, err := logrus.ParseLevel(config.Env.Log.LogLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(logLevel)

		return nil
	},
}

// serviceFieldHook tags every entry with the service name and version.
type serviceFieldHook struct{}

func (serviceFieldHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (serviceFieldHook) Fire(entry *logrus.Entry) error {
	entry.Data["service"] = config.ServiceName
	if config.ServiceVersion != "" {
		entry.Data["version"] = config.ServiceVersion
	}
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: ./config.yml)")
}
