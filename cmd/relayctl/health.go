package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the relay is serving",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	h, err := newClient().Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	cmd.Printf("%s: %s (variant %s, version %s)\n", h.Status, h.Message, h.Variant, h.Version)
	return nil
}
