package process

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/earshot/earshot-go/internal/analysis"
	"github.com/earshot/earshot-go/internal/conf"
)

// Command creates the command that reprocesses one conversation by id.
// Processing is idempotent; segments are replaced per chunk.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "process <session-id>",
		Short: "Run the processing pipeline for one recorded conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return fmt.Errorf("session id is required")
			}
			return analysis.Process(settings, args[0])
		},
	}
}
