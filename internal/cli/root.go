// Package cli kioskctl 运维命令
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions 全局参数
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats 支持的输出格式
var ValidFormats = []string{"text", "json"}

// NewRootCommand 创建 kioskctl 根命令
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kioskctl",
		Short: "Operator tool for the wisefido measurement kiosk",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMeasureCommand(opts))
	cmd.AddCommand(NewRouteCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
