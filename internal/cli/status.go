package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/guardian/internal/healing/server"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current status of all monitored services",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	client, err := clientFor(cmd)
	if err != nil {
		slog.Error("Failed to resolve guardian address", "error", err)
		os.Exit(1)
	}

	var d server.Detailed
	if err := client.do(context.Background(), http.MethodGet, "/health/detailed", &d); err != nil {
		slog.Error("Failed to fetch status", "error", err)
		os.Exit(1)
	}
	printStatus(os.Stdout, d)
}

func printStatus(out io.Writer, d server.Detailed) {
	_, _ = fmt.Fprintf(out, "Overall: %s (%d services)\n\n", d.Status, d.Summary.Total)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SERVICE\tSTATUS\tFAILURES\tRECOVERIES\tLAST CHECK\tLAST PROBLEM")
	for _, s := range d.Services {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			s.Name, s.Status, s.FailureCount, s.RecoveryAttempts, s.MaxRecoveryAttempts,
			formatTime(s.LastCheck), s.LastProblem)
	}
	_ = w.Flush()

	if len(d.Breakers) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "BREAKER\tSTATE\tFAILURES\tLAST FAILURE")
	for _, b := range d.Breakers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", b.Name, b.State, b.FailureCount, b.FailureThreshold, formatTime(b.LastFailureTime))
	}
	_ = w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
