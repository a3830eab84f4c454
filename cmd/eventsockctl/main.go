package main

import (
    "log"

    "github.com/spf13/cobra"

    eventcli "github.com/amirimatin/go-eventsock/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "eventsockctl",
        Short:         "go-eventsock server, reconnection harness and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    eventcli.AddAll(root)
    return root
}
