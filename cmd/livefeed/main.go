package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "livefeed",
		Short: "Bridge Kafka topics to WebSocket clients",
		Long: `livefeed relays messages from Kafka topics to subscribed WebSocket clients
and publishes messages from its HTTP API back to Kafka. Without a broker list it
runs on an in-process event bus.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newPublishCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
