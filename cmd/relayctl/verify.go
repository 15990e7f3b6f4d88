package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mbd888/captcharelay/pkg/relayclient"
)

var verifyJSON bool

var verifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify a reCAPTCHA token through the relay",
	Long: `Submits a client token to the relay and prints its decision.
Exits non-zero unless the relay answers 200 with success true.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "print the raw decision as JSON")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d, status, err := newClient().Verify(ctx, args[0])
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}

	if verifyJSON {
		data, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal decision: %w", err)
		}
		cmd.Println(string(data))
	} else {
		printDecision(cmd, d, status)
	}

	if status != http.StatusOK || !d.Success {
		return fmt.Errorf("token rejected (HTTP %d): %s", status, d.Message)
	}
	return nil
}

func printDecision(cmd *cobra.Command, d *relayclient.Decision, status int) {
	cmd.Printf("HTTP %d: %s\n", status, d.Message)
	score := "n/a"
	if d.Score != nil {
		score = strconv.FormatFloat(*d.Score, 'f', -1, 64)
	}
	cmd.Printf("  success:  %t\n", d.Success)
	cmd.Printf("  score:    %s\n", score)
	if d.Action != "" {
		cmd.Printf("  action:   %s\n", d.Action)
	}
	if d.Hostname != "" {
		cmd.Printf("  hostname: %s\n", d.Hostname)
	}
	if d.Timestamp != "" {
		cmd.Printf("  time:     %s\n", d.Timestamp)
	}
}
