package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "docsync",
		Short:         "docsync keeps a local document cache in sync with a document database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(replayCmd())
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(incrCmd())
	cmd.AddCommand(listenCmd())
	cmd.AddCommand(aggregateCmd())
	return cmd
}
