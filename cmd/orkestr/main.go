package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "orkestr",
		Short:         "Event-triggered workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newAPICommand())
	root.AddCommand(newWorkerCommand())
	root.AddCommand(newSeedCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
