// Package main is the entry point for the Avro RPC debug client CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/avro-ipc/avrorpc/internal/client"
	"github.com/avro-ipc/avrorpc/internal/examplerpc"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		serverURL string
		timeout   time.Duration
		attempts  int
	)

	rootCmd := &cobra.Command{
		Use:     "avrorpc-call",
		Short:   "Debug client for driving an Avro RPC server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Avro RPC server base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-attempt HTTP timeout")
	rootCmd.PersistentFlags().IntVar(&attempts, "attempts", 3, "transport retry attempts")

	var message string
	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Call the example ping endpoint and print the decoded response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(serverURL, timeout, attempts, message)
		},
	}
	pingCmd.Flags().StringVarP(&message, "message", "m", "hello", "message to echo")
	rootCmd.AddCommand(pingCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPing(serverURL string, timeout time.Duration, attempts int, message string) error {
	gw, err := client.New(client.Config{
		Endpoint:     serverURL + examplerpc.Path,
		Method:       examplerpc.Method,
		Path:         examplerpc.Path,
		RequestDesc:  examplerpc.RequestDesc(),
		ResponseDesc: examplerpc.ResponseDesc(),
		NewResponse:  examplerpc.NewResponse,
		Namespace:    "com.example.rpc", // must match avrorpcd's default protocol.namespace
		Timeout:      timeout,
		Attempts:     attempts,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Duration(attempts+1))
	defer cancel()

	result, err := gw.Call(ctx, &examplerpc.PingRequest{Message: message})
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	resp := result.(*examplerpc.PingResponse)
	fmt.Printf("server=%s message=%s unixMs=%d\n", resp.Server, resp.Message, resp.UnixMS)
	return nil
}
