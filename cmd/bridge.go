/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/market-bridge/internal/bootstrap"
	"github.com/spf13/cobra"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the market data and order entry bridge",
	Long: `Bridge connects to the upstream brokerage API, accepts WebSocket
clients, and routes market data, contract details, and order status
events between them.

This service acts as a central hub that:
- Maintains exactly one authenticated upstream session with reconnect
- Accepts WebSocket clients and parses JSON commands
- Tracks per-subscription and per-order state
- Resubscribes all live subscriptions after an upstream reconnect`,
	Run: bootstrap.StartBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}
