package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wisefido-kiosk/internal/clock"
	"wisefido-kiosk/internal/config"
	"wisefido-kiosk/internal/device"
	"wisefido-kiosk/internal/measurement"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type measureOptions struct {
	metric     string
	deviceURL  string
	timeout    time.Duration
	interval   time.Duration
	maxRetries int
	profiles   string
}

// NewMeasureCommand 对 HTTP 设备网关跑一次完整的测量会话并打印事件
func NewMeasureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &measureOptions{}

	cmd := &cobra.Command{
		Use:          "measure",
		Short:        "Run one measurement session against the device gateway",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runMeasure(ctx, rootOpts, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.metric, "metric", "", "metric to measure (weight, height, temperature, pulse_ox, blood_pressure_image, compliance_check)")
	cmd.Flags().StringVar(&opts.deviceURL, "device-url", envOr("DEVICE_BASE_URL", "http://localhost:9000"), "device gateway base URL")
	cmd.Flags().DurationVar(&opts.timeout, "request-timeout", 3*time.Second, "device request timeout")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "poll interval override")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "max attempts override")
	cmd.Flags().StringVar(&opts.profiles, "profiles", envOr("METRIC_PROFILES_FILE", ""), "metric profiles YAML file")
	_ = cmd.MarkFlagRequired("metric")
	return cmd
}

func runMeasure(ctx context.Context, rootOpts *RootOptions, opts *measureOptions, out io.Writer) error {
	metric, err := device.ParseMetric(opts.metric)
	if err != nil {
		return err
	}

	var ov *measurement.Override
	sc := measurement.DefaultConfig()
	if opts.profiles != "" {
		profiles, err := config.LoadProfiles(opts.profiles)
		if err != nil {
			return err
		}
		if p, ok := profiles[metric]; ok {
			ov = p.Override()
			sc = p.SessionConfig(sc)
		}
	}
	if opts.interval > 0 {
		if ov == nil {
			ov = &measurement.Override{}
		}
		ov.Interval = opts.interval
	}
	if opts.maxRetries > 0 {
		sc.MaxRetries = opts.maxRetries
	}

	logger := zap.NewNop()
	if rootOpts.Verbose {
		logger, _ = zap.NewDevelopment()
	}

	clk := clock.New()
	adapter, err := measurement.NewAdapter(metric, clk, ov)
	if err != nil {
		return err
	}
	backend := device.NewHTTPBackend(opts.deviceURL, opts.timeout, logger)
	s := measurement.New(adapter, backend,
		measurement.WithClock(clk),
		measurement.WithLogger(logger),
		measurement.WithConfig(sc),
	)
	defer s.Close()

	done := make(chan measurement.State, 1)
	s.Subscribe(func(ev measurement.Event) {
		printEvent(out, rootOpts.Format, ev)
		// final_value / exhausted 是各自结局的最后一个事件
		var st measurement.State
		switch ev.Type {
		case measurement.EventFinalValue:
			st = measurement.StateSucceeded
		case measurement.EventExhausted:
			st = measurement.StateExhausted
		default:
			return
		}
		select {
		case done <- st:
		default:
		}
	})

	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case st := <-done:
		if st == measurement.StateExhausted {
			snap := s.Snapshot()
			return fmt.Errorf("measurement failed: %s", snap.Message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printEvent(out io.Writer, format string, ev measurement.Event) {
	if format == "json" {
		_ = json.NewEncoder(out).Encode(ev)
		return
	}

	var detail []string
	switch ev.Type {
	case measurement.EventStateChanged:
		detail = append(detail, fmt.Sprintf("%s -> %s", ev.From, ev.To))
	case measurement.EventLiveValue, measurement.EventFinalValue:
		if ev.Reading != nil {
			detail = append(detail, fmt.Sprintf("%g %s", ev.Reading.Value, ev.Reading.Unit))
		}
	case measurement.EventRetryScheduled:
		detail = append(detail, fmt.Sprintf("wait %dms", ev.WaitMs))
	}
	if ev.Message != "" {
		detail = append(detail, ev.Message)
	}
	fmt.Fprintf(out, "%s %-16s %s\n", ev.At.Format("15:04:05.000"), ev.Type, strings.Join(detail, " | "))
}
