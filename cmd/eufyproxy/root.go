package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "eufyproxy",
		Short: "eufyproxy",
		Long:  "Live video proxy for a home-security camera fleet.",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	root := newRootCmd()
	root.SetContext(context.Background())
	root.SetOutput(os.Stdout)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("eufyproxy exited with an error")
	}
}
