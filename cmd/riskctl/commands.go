package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vanshika/fintrace/riskpipe/internal/auth"
	"github.com/vanshika/fintrace/riskpipe/pkg/riskclient"
)

var errMissingCredentials = errors.New("--client-id and --secret are required")

func (o *globalOptions) client() (*riskclient.Client, error) {
	if o.clientID == "" || o.secret == "" {
		return nil, errMissingCredentials
	}
	return riskclient.New(riskclient.Options{ClientID: o.clientID, Secret: o.secret, BaseURL: o.gateway}), nil
}

func signCmd(opts *globalOptions) *cobra.Command {
	var (
		method string
		body   string
		at     int64
	)
	cmd := &cobra.Command{
		Use:   "sign [path]",
		Short: "Print the authentication headers for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				return errors.New("--secret is required")
			}
			payload, err := readBody(cmd.InOrStdin(), body)
			if err != nil {
				return err
			}
			when := time.Now()
			if at > 0 {
				when = time.UnixMilli(at)
			}
			sig := riskclient.BuildSignature(opts.secret, method, args[0], payload, when)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderClientID, opts.clientID)
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderTimestamp, sig.Timestamp)
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderSignature, sig.Signature)
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "POST", "HTTP method")
	cmd.Flags().StringVarP(&body, "data", "d", "", "Request body; '@file' reads a file, '-' reads stdin")
	cmd.Flags().Int64Var(&at, "at", 0, "Signing instant in Unix milliseconds (default now)")
	return cmd
}

func submitCmd(opts *globalOptions) *cobra.Command {
	var req riskclient.TransactionRequest
	var amount string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a transaction for assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			req.Amount, err = decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			resp, err := c.AssessTransaction(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&req.TxnID, "txn-id", "", "Transaction id (generated by the gateway when empty)")
	cmd.Flags().StringVar(&req.UserID, "user", "", "Sending user id")
	cmd.Flags().StringVar(&req.ReceiverID, "receiver", "", "Receiving user id")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount as a decimal string")
	cmd.Flags().StringVar(&req.Currency, "currency", "INR", "ISO currency code")
	cmd.Flags().StringVar(&req.MerchantID, "merchant", "", "Merchant id")
	cmd.Flags().StringVar(&req.TxnType, "type", "", "Transaction type")
	cmd.Flags().StringVar(&req.DeviceFingerprint, "device", "", "Device fingerprint")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("receiver")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func verifyWebhookCmd(opts *globalOptions) *cobra.Command {
	var (
		body      string
		signature string
	)
	cmd := &cobra.Command{
		Use:   "verify-webhook",
		Short: "Check an X-Webhook-Signature against a received body",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				return errors.New("--secret is required")
			}
			payload, err := readBody(cmd.InOrStdin(), body)
			if err != nil {
				return err
			}
			if !riskclient.VerifyWebhook(opts.secret, payload, signature) {
				return errors.New("signature mismatch")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signature valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&body, "data", "d", "-", "Webhook body; '@file' reads a file, '-' reads stdin")
	cmd.Flags().StringVarP(&signature, "signature", "s", "", "Received X-Webhook-Signature value")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func fanInCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fan-in [userId]",
		Short: "Show a user's in-degree and fan-in score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, opts, "/graph/users/"+url.PathEscape(args[0])+"/fan-in")
		},
	}
}

func cycleCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle [userId]",
		Short: "Show the first short transfer ring through a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, opts, "/graph/users/"+url.PathEscape(args[0])+"/cycle")
		},
	}
}

func healthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the gateway health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := riskclient.New(riskclient.Options{BaseURL: opts.gateway})
			if !c.Health(cmd.Context()) {
				return fmt.Errorf("gateway %s is unhealthy", opts.gateway)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func getAndPrint(cmd *cobra.Command, opts *globalOptions, path string) error {
	c, err := opts.client()
	if err != nil {
		return err
	}
	var out json.RawMessage
	if err := c.Get(cmd.Context(), path, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

// readBody resolves a curl-style data argument.
func readBody(stdin io.Reader, arg string) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
