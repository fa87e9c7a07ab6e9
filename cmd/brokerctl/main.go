// Command brokerctl is a read-only inspector for a running brokerd: it
// queries the admin HTTP surface (internal/admin) and renders the result.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var adminAddr string

	app := &cobra.Command{
		Use:   "brokerctl",
		Short: "Inspect a running brokerd instance",
	}

	app.PersistentFlags().StringVar(&adminAddr, "admin", "http://127.0.0.1:8443", "brokerd admin surface base URL")

	app.AddCommand(newNodesCommand(&adminAddr))

	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
