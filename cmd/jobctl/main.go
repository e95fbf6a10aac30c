// Command jobctl is an operator CLI for the pipeline engine API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/leejennwah/pipeline-engine/pkg/client"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		server  string
		timeout time.Duration
		c       *client.Client
	)

	root := &cobra.Command{
		Use:          "jobctl",
		Short:        "Inspect and operate pipeline engine jobs",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c = client.New(server)
		},
	}
	defaultServer := os.Getenv("PIPELINE_API_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVarP(&server, "server", "s", defaultServer, "API base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	root.SetOut(out)

	withTimeout := func(cmd *cobra.Command) (context.Context, context.CancelFunc) {
		return context.WithTimeout(cmd.Context(), timeout)
	}
	printJSON := func(v any) error {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	var (
		payload       string
		correlationID string
		priority      int
		maxRetries    int
		metadata      map[string]string
	)
	enqueueCmd := &cobra.Command{
		Use:   "enqueue <workflow-type> <handler-type>",
		Short: "Submit a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			req := &client.EnqueueRequest{
				WorkflowType:  args[0],
				HandlerType:   args[1],
				Payload:       json.RawMessage(payload),
				CorrelationID: correlationID,
				Priority:      priority,
				Metadata:      metadata,
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			id, err := c.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(map[string]uuid.UUID{"job_id": id})
		},
	}
	enqueueCmd.Flags().StringVarP(&payload, "payload", "p", "{}", "job payload as JSON")
	enqueueCmd.Flags().StringVar(&correlationID, "correlation-id", "", "idempotency key; generated when empty")
	enqueueCmd.Flags().IntVar(&priority, "priority", 0, "job priority")
	enqueueCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget; server default when unset")
	enqueueCmd.Flags().StringToStringVar(&metadata, "meta", nil, "metadata key=value pairs")

	jobCmd := func(use, short string, fn func(ctx context.Context, id uuid.UUID) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <job-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid job id %q: %w", args[0], err)
				}
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				v, err := fn(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(v)
			},
		}
	}
	statusCmd := jobCmd("status", "Show a job's status", func(ctx context.Context, id uuid.UUID) (any, error) {
		return c.GetStatus(ctx, id)
	})
	getCmd := jobCmd("get", "Show a job with its attempt history", func(ctx context.Context, id uuid.UUID) (any, error) {
		return c.GetJob(ctx, id)
	})
	cancelCmd := jobCmd("cancel", "Request cancellation of a job", func(ctx context.Context, id uuid.UUID) (any, error) {
		return c.Cancel(ctx, id)
	})

	eventCmd := &cobra.Command{
		Use:   "event <event-type> [event-key]",
		Short: "Deliver an external event to waiting jobs",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 2 {
				key = args[1]
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			n, err := c.SendEvent(ctx, args[0], key)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"resumed": n})
		},
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show aggregate job metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			m, err := c.GetMetrics(ctx)
			if err != nil {
				return err
			}
			return printJSON(m)
		},
	}

	var limit int
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Inspect and replay dead-lettered jobs"}
	dlqListCmd := &cobra.Command{
		Use:   "list <family>",
		Short: "List dead-letter entries of a workflow family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			entries, err := c.ListDeadLetters(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	dlqListCmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum entries; server default when 0")
	dlqReplayCmd := &cobra.Command{
		Use:   "replay <family> <message-id>",
		Short: "Re-enqueue a dead-lettered job as a new job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			id, err := c.ReplayDeadLetter(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(map[string]uuid.UUID{"job_id": id})
		},
	}
	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)

	root.AddCommand(enqueueCmd, statusCmd, getCmd, cancelCmd, eventCmd, metricsCmd, dlqCmd)
	return root
}
