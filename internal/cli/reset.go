package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var resetServiceCmd = &cobra.Command{
	Use:   "reset-service [name]",
	Short: "Re-enable remediation for a service that reached its recovery limit",
	Args:  cobra.ExactArgs(1),
	Run:   runResetService,
}

var resetBreakersCmd = &cobra.Command{
	Use:   "reset-breakers [name]",
	Short: "Close one circuit breaker, or all of them when no name is given",
	Args:  cobra.MaximumNArgs(1),
	Run:   runResetBreakers,
}

func init() {
	rootCmd.AddCommand(resetServiceCmd)
	rootCmd.AddCommand(resetBreakersCmd)
}

func runResetService(cmd *cobra.Command, args []string) {
	client, err := clientFor(cmd)
	if err != nil {
		slog.Error("Failed to resolve guardian address", "error", err)
		os.Exit(1)
	}
	if err := client.resetService(context.Background(), args[0]); err != nil {
		slog.Error("Failed to reset service", "service", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Successfully reset recovery attempts for %s\n", args[0])
}

func runResetBreakers(cmd *cobra.Command, args []string) {
	client, err := clientFor(cmd)
	if err != nil {
		slog.Error("Failed to resolve guardian address", "error", err)
		os.Exit(1)
	}
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	if err := client.resetBreakers(context.Background(), name); err != nil {
		slog.Error("Failed to reset circuit breakers", "error", err)
		os.Exit(1)
	}
	if name == "" {
		fmt.Println("Successfully reset all circuit breakers")
		return
	}
	fmt.Printf("Successfully reset circuit breaker %s\n", name)
}

func (c *apiClient) resetService(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/services/"+escape(name)+"/reset", nil)
}

func (c *apiClient) resetBreakers(ctx context.Context, name string) error {
	path := "/breakers/reset"
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}
	return c.do(ctx, http.MethodPost, path, nil)
}
