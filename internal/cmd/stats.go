package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [QUEUE]",
		Short: "Show per-partition watermarks, or a dead-letter queue breakdown",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if len(args) == 1 {
				st, err := rt.DLQ().Statistics(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"queue %s: pending=%d processing=%d reprocessed=%d discarded=%d expired=%d received=%d\n",
					st.Queue, st.Pending, st.Processing, st.Reprocessed, st.Discarded, st.Expired, st.TotalReceived)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tPARTITION\tLOW\tHIGH\tMESSAGES")
			for _, t := range rt.Store().List() {
				for i := 0; i < t.Partitions; i++ {
					p, err := rt.Store().Partition(t.Name, i)
					if err != nil {
						return err
					}
					msgs, _ := p.Counts()
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
						t.Name, i, p.LowWatermark(), p.HighWatermark(), msgs)
				}
			}
			return w.Flush()
		},
	}
}
