// ABOUTME: Admin CLI for a running sigil-gateway
// ABOUTME: Each subcommand drives one RPC family over the websocket protocol

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/sigil-gateway/internal/client"
)

var (
	gatewayURL string
	authToken  string
)

var rootCmd = &cobra.Command{
	Use:           "sigil-admin",
	Short:         "Administer a running sigil-gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "ws://127.0.0.1:4242/ws", "gateway websocket URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("SIGIL_TOKEN"), "device token (defaults to $SIGIL_TOKEN)")
}

// call dials the gateway, issues a single request, and tears the
// connection down. Admin commands are one-shot; they never hold a
// connection open except for approval waits.
func call(ctx context.Context, method string, params, result any) error {
	cl, err := dial(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()
	return cl.Call(ctx, method, params, result)
}

func dial(ctx context.Context) (*client.Client, error) {
	cl, err := client.Dial(ctx, gatewayURL, client.Options{
		Token:  authToken,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", gatewayURL, err)
	}
	return cl, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
