// streamwatch connects to the invest API streams, subscribes to the
// configured instruments and accounts, and prints or relays the events.
//
// Usage:
//
//	streamwatch run --config configs/streamwatch.yaml
//	streamwatch version
//
// The API token is read from api.token, api.token_file or INVEST_TOKEN.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickgao/invest-streams/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "streamwatch",
		Short:         "Watch invest API market data and account streams",
		SilenceUsage:  true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Name, version.String())
		},
	})
	return root
}
