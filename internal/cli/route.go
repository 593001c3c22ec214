package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"wisefido-kiosk/internal/checklist"

	"github.com/spf13/cobra"
)

type routeResult struct {
	Step     string             `json:"step"`
	NextPath string             `json:"next_path"`
	NextStep string             `json:"next_step,omitempty"`
	Progress checklist.Progress `json:"progress"`
}

// NewRouteCommand 预览检查清单的跳转
func NewRouteCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		step     string
		list     string
		complete string
	)

	cmd := &cobra.Command{
		Use:          "route",
		Short:        "Show the next page and progress for a checklist step",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := strings.Split(list, ",")
			router := checklist.NewRouter(checklist.WithCompletePath(complete))

			res := routeResult{
				Step:     step,
				NextPath: router.NextPath(step, steps),
				Progress: router.Progress(step, steps),
			}
			if next, ok := router.NextStep(step, steps); ok {
				res.NextStep = next
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return json.NewEncoder(out).Encode(res)
			}
			fmt.Fprintf(out, "next: %s\n", res.NextPath)
			fmt.Fprintf(out, "progress: %d/%d (%d%%)\n", res.Progress.CurrentStep, res.Progress.TotalSteps, res.Progress.Percentage)
			return nil
		},
	}

	cmd.Flags().StringVar(&step, "step", "", "current checklist step")
	cmd.Flags().StringVar(&list, "checklist", "compliance_check,weight,height,temperature,pulse_ox,blood_pressure_image", "comma separated checklist")
	cmd.Flags().StringVar(&complete, "complete-path", "/summary", "page shown after the last step")
	return cmd
}
