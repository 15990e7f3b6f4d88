package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/captcharelay/pkg/relayclient"
)

var (
	relayURL    string
	adminSecret string
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "relayctl",
	Short:        "Query a reCAPTCHA verification relay",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&relayURL, "url", envOr("RELAY_URL", relayclient.DefaultBaseURL), "relay base URL")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "admin-secret", os.Getenv("ADMIN_SECRET"), "bearer secret for admin routes")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")
}

func newClient() *relayclient.Client {
	return relayclient.New(relayURL, relayclient.WithAdminSecret(adminSecret))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
