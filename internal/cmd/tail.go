package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTailCmd() *cobra.Command {
	var (
		partition int
		from      int64
	)
	cmd := &cobra.Command{
		Use:   "tail TOPIC",
		Short: "Follow a partition's log, printing new events as they arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			p, err := rt.Store().Partition(args[0], partition)
			if err != nil {
				return err
			}
			next := p.HighWatermark()
			if from >= 0 {
				next = uint64(from)
			}
			if low := p.LowWatermark(); next < low {
				next = low
			}
			ctx := cmd.Context()
			for {
				if ctx.Err() != nil {
					return nil
				}
				evs, err := p.ReadRange(next, 0, 64)
				if err != nil {
					return err
				}
				for _, ev := range evs {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\n",
						ev.Offset, ev.ID, ev.Type, ev.Key, string(ev.Payload))
					next = ev.Offset + 1
				}
				if len(evs) == 0 {
					p.WaitForAppend(500 * time.Millisecond)
				}
			}
		},
	}
	cmd.Flags().IntVar(&partition, "partition", 0, "partition index")
	cmd.Flags().Int64Var(&from, "from", -1, "start offset (-1 = only new events)")
	return cmd
}
