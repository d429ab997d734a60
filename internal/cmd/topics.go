package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/veldtlabs/ebus/internal/topic"
)

func newTopicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage topics",
	}
	cmd.AddCommand(newTopicsCreateCmd())
	cmd.AddCommand(newTopicsListCmd())
	cmd.AddCommand(newTopicsDeleteCmd())
	return cmd
}

func newTopicsCreateCmd() *cobra.Command {
	var partitions int
	var retentionMs int64
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			t, err := rt.Store().CreateTopic(args[0], partitions, topic.Options{RetentionMs: retentionMs})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created topic %s with %d partitions\n", t.Name, t.Partitions)
			return nil
		},
	}
	cmd.Flags().IntVar(&partitions, "partitions", 1, "number of partitions")
	cmd.Flags().Int64Var(&retentionMs, "retention-ms", 0, "event retention in milliseconds (0 = keep forever)")
	return cmd
}

func newTopicsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPARTITIONS\tSTATE\tMESSAGES\tBYTES")
			for _, t := range rt.Store().List() {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\n", t.Name, t.Partitions, t.State(), t.Messages(), t.Bytes())
			}
			return w.Flush()
		},
	}
}

func newTopicsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a topic and its retained events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Store().DeleteTopic(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted topic %s\n", args[0])
			return nil
		},
	}
}
