package cli

import (
	"encoding/json"
	"fmt"
	"time"

	commoncfg "wisefido-kiosk/internal/common/config"
	rediscommon "wisefido-kiosk/internal/common/redis"
	"wisefido-kiosk/internal/publisher"

	"github.com/spf13/cobra"
)

// NewEventsCommand 查看 Redis stream 中最近的测量事件
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		stream string
		count  int64
	)
	redisCfg := commoncfg.RedisConfig{Addr: "localhost:6379", DialTimeout: 2 * time.Second}
	_ = redisCfg.LoadFromEnv("REDIS")

	cmd := &cobra.Command{
		Use:          "events",
		Short:        "Show the latest measurement events published by the kiosk",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := rediscommon.NewRedisClient(&redisCfg)
			defer client.Close()

			msgs, err := rediscommon.ReadLatest(cmd.Context(), client, stream, count)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", stream, err)
			}

			out := cmd.OutOrStdout()
			for i := len(msgs) - 1; i >= 0; i-- {
				raw, _ := msgs[i].Values["data"].(string)
				if rootOpts.Format == "json" {
					fmt.Fprintln(out, raw)
					continue
				}
				var ev publisher.StreamEvent
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					fmt.Fprintf(out, "%s <invalid event>\n", msgs[i].ID)
					continue
				}
				fmt.Fprintf(out, "%s %s %-16s %-22s %s\n", msgs[i].ID, ev.KioskID, ev.Type, ev.Metric, ev.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&redisCfg.Addr, "redis-addr", redisCfg.Addr, "redis address")
	cmd.Flags().StringVar(&stream, "stream", envOr("MEASUREMENT_STREAM", publisher.DefaultStream), "measurement event stream")
	cmd.Flags().Int64Var(&count, "count", 20, "number of events")
	return cmd
}
