package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/veldtlabs/ebus/internal/bus"
)

func newPublishCmd() *cobra.Command {
	var (
		eventType string
		key       string
		payload   string
		file      string
		headers   []string
		ttlMs     int64
		count     int
	)
	cmd := &cobra.Command{
		Use:   "publish TOPIC",
		Short: "Publish an event to a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(payload)
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				body = data
			}
			hdrs := map[string]string{}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, "=")
				if !ok {
					return fmt.Errorf("bad header %q, want key=value", h)
				}
				hdrs[k] = v
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if count < 1 {
				count = 1
			}
			for i := 0; i < count; i++ {
				res, err := rt.Bus().Publish(cmd.Context(), bus.PublishRequest{
					Topic:   args[0],
					Type:    eventType,
					Key:     key,
					Payload: body,
					Headers: hdrs,
					TTLMs:   ttlMs,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> partition %d offset %d\n", res.EventID, res.Partition, res.Offset)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "event type")
	cmd.Flags().StringVar(&key, "key", "", "partition key")
	cmd.Flags().StringVar(&payload, "payload", "", "payload as a literal string")
	cmd.Flags().StringVar(&file, "file", "", "read payload from a file")
	cmd.Flags().StringSliceVar(&headers, "header", nil, "header as key=value, repeatable")
	cmd.Flags().Int64Var(&ttlMs, "ttl-ms", 0, "event time to live in milliseconds")
	cmd.Flags().IntVar(&count, "count", 1, "publish the event this many times")
	return cmd
}
