package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/veldtlabs/ebus/internal/dlq"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage dead-letter queues",
	}
	cmd.AddCommand(newDLQCreateCmd())
	cmd.AddCommand(newDLQListCmd())
	cmd.AddCommand(newDLQMessagesCmd())
	cmd.AddCommand(newDLQRetryCmd())
	cmd.AddCommand(newDLQDiscardCmd())
	cmd.AddCommand(newDLQErrorsCmd())
	return cmd
}

func newDLQCreateCmd() *cobra.Command {
	var (
		sourceTopic string
		maxSize     int
		maxRetries  uint32
		retentionMs int64
		strategy    string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a dead-letter queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			q, err := rt.DLQ().CreateQueue(args[0], dlq.QueueOptions{
				SourceTopic: sourceTopic,
				MaxSize:     maxSize,
				MaxRetries:  maxRetries,
				RetentionMs: retentionMs,
				Strategy:    dlq.Strategy{Kind: dlq.StrategyKind(strategy)},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created queue %s\n", q.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceTopic, "source-topic", "", "topic whose failures this queue captures")
	cmd.Flags().IntVar(&maxSize, "max-size", 0, "maximum live messages (default from config)")
	cmd.Flags().Uint32Var(&maxRetries, "max-retries", 0, "retry attempts per message (default from config)")
	cmd.Flags().Int64Var(&retentionMs, "retention-ms", 0, "message retention in milliseconds (default from config)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "retry backoff: immediate, linear or exponential (default from config)")
	return cmd
}

func newDLQListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dead-letter queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tLIVE\tRECEIVED\tREPROCESSED\tDISCARDED")
			for _, q := range rt.DLQ().Queues() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					q.Name, q.State, q.MessageCount, q.TotalReceived, q.TotalReprocessed, q.TotalDiscarded)
			}
			return w.Flush()
		},
	}
}

func newDLQMessagesCmd() *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "messages QUEUE",
		Short: "List a queue's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			msgs, err := rt.DLQ().QueueMessages(args[0], dlq.MessageState(state), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tRETRIES\tCATEGORY\tERROR")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
					m.ID, m.State, m.RetryCount, m.MaxRetries, m.Category, m.ErrorMessage)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (pending, expired, ...)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to list (0 = all)")
	return cmd
}

func newDLQRetryCmd() *cobra.Command {
	var (
		all   bool
		batch int
	)
	cmd := &cobra.Command{
		Use:   "retry QUEUE [MESSAGE_ID]",
		Short: "Retry one message, or all due pending messages with --all",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if all {
				ok, failed, err := rt.DLQ().RetryAllPending(cmd.Context(), args[0], batch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reprocessed %d messages, %d still failing\n", ok, failed)
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("message id required unless --all is set")
			}
			ok, err := rt.DLQ().Retry(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "message not retried (not pending, exhausted, or in flight)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "message reprocessed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every due pending message in the queue")
	cmd.Flags().IntVar(&batch, "batch", 0, "maximum messages to retry with --all (0 = no bound)")
	return cmd
}

func newDLQDiscardCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "discard MESSAGE_ID",
		Short: "Discard a message from further processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.DLQ().Discard(args[0], reason); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "message discarded")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "discard reason")
	return cmd
}

func newDLQErrorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "errors",
		Short: "Show aggregated error patterns across all queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tCATEGORY\tCOUNT\tSERVICES\tTOPICS")
			for _, p := range rt.DLQ().ErrorAnalysis() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%v\n",
					p.Code, p.Category, p.Count, p.Services(), p.Topics())
			}
			return w.Flush()
		},
	}
}
