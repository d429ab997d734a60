package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veldtlabs/ebus/internal/topic"
)

func newReplayCmd() *cobra.Command {
	var (
		partition int
		from      uint64
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "replay TOPIC",
		Short: "Re-read retained events from an offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := rt.Bus().Replay(cmd.Context(), args[0], partition, from, limit, func(ev *topic.Event) error {
				_, werr := fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\n",
					ev.Offset, ev.ID, ev.Type, ev.Key, string(ev.Payload))
				return werr
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&partition, "partition", 0, "partition index")
	cmd.Flags().Uint64Var(&from, "from", 0, "start offset")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events to replay (0 = all retained)")
	return cmd
}
