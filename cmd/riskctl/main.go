package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOptions struct {
	gateway  string
	clientID string
	secret   string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "riskctl",
		Short:         "riskctl - operator tooling for the risk gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.gateway, "gateway", envOr("RISKCTL_GATEWAY", "http://localhost:3000"), "Gateway base URL")
	cmd.PersistentFlags().StringVar(&opts.clientID, "client-id", os.Getenv("RISKCTL_CLIENT_ID"), "Client id used to sign requests")
	cmd.PersistentFlags().StringVar(&opts.secret, "secret", os.Getenv("RISKCTL_CLIENT_SECRET"), "Shared secret used to sign requests")

	cmd.AddCommand(signCmd(opts))
	cmd.AddCommand(submitCmd(opts))
	cmd.AddCommand(verifyWebhookCmd(opts))
	cmd.AddCommand(fanInCmd(opts))
	cmd.AddCommand(cycleCmd(opts))
	cmd.AddCommand(healthCmd(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
