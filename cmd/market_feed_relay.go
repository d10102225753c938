/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/market-feed-relay/internal/bootstrap"
	"github.com/spf13/cobra"
)

// marketFeedRelayCmd represents the market-feed-relay command
var marketFeedRelayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the market feed relay",
	Long: `The market feed relay keeps one streaming connection to the upstream
market data feed alive, owns the instrument subscription set and broadcasts
every upstream frame to connected websocket clients. Subscriptions are managed
over websocket commands, the REST API or the market_feed.command subject.`,
	Run: bootstrap.StartMarketFeedRelay,
}

func init() {
	rootCmd.AddCommand(marketFeedRelayCmd)
}
