package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"tripledger/internal/adapters/grpc"
)

var Version = "dev"

type cliOptions struct {
	addr    string
	timeout time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &cliOptions{}
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect the payment ledger over gRPC",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", envOr("LEDGER_ADDR", "localhost:50051"), "ledger gRPC address")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-call timeout")

	rootCmd.AddCommand(attemptCmd(opts, out))
	rootCmd.AddCommand(stepsCmd(opts, out))
	rootCmd.AddCommand(resumeCmd(opts, out))
	rootCmd.AddCommand(callCmd(opts, out))
	return rootCmd
}

func attemptCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "attempt [idempotency-key]",
		Short: "Show a payment or refund attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), opts, out, func(ctx context.Context, c *grpc.LedgerClient) (map[string]any, error) {
				return c.GetPaymentAttempt(ctx, args[0])
			})
		},
	}
}

func stepsCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "steps [correlation-id]",
		Short: "List saga steps sharing a correlation id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), opts, out, func(ctx context.Context, c *grpc.LedgerClient) (map[string]any, error) {
				return c.GetSagaStepsByCorrelation(ctx, args[0])
			})
		},
	}
}

func resumeCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [transaction-id]",
		Short: "Show the derived state and next step of a booking saga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), opts, out, func(ctx context.Context, c *grpc.LedgerClient) (map[string]any, error) {
				return c.GetResumePoint(ctx, args[0])
			})
		},
	}
}

func callCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call [method]",
		Short: "Invoke any ledger method with a JSON request body",
		Long: `Invoke a ledger RPC by its short name, for example:
  ledgerctl call RecordSagaStep --data '{"transactionId":"tr1","stepId":"validate","correlationId":"tr1","action":"validate","status":"completed"}'`,
		Args: cobra.ExactArgs(1),
	}
	data := cmd.Flags().StringP("data", "d", "{}", "request fields as a JSON object")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var fields map[string]any
		if err := json.Unmarshal([]byte(*data), &fields); err != nil {
			return fmt.Errorf("parse --data: %w", err)
		}
		return withClient(cmd.Context(), opts, out, func(ctx context.Context, c *grpc.LedgerClient) (map[string]any, error) {
			return c.Call(ctx, args[0], fields)
		})
	}
	return cmd
}

var dialLedger = func(addr string) (grpcpkg.ClientConnInterface, func() error, error) {
	conn, err := grpcpkg.NewClient(addr, grpcpkg.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.Close, nil
}

func withClient(ctx context.Context, opts *cliOptions, out io.Writer, call func(context.Context, *grpc.LedgerClient) (map[string]any, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, closeConn, err := dialLedger(opts.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.addr, err)
	}
	defer closeConn()

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	resp, err := call(ctx, grpc.NewLedgerClient(conn))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
