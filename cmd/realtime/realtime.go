package realtime

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/earshot/earshot-go/internal/analysis"
	"github.com/earshot/earshot-go/internal/conf"
)

// Command creates the command that runs the detector service.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Run the ambient conversation detector service",
		Long:  "Start the signal ingestion API, the recording session state machine and the conversation processing pipeline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return analysis.Realtime(settings)
		},
	}
	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}
	return cmd
}

// setupFlags configures flags specific to the realtime command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.WebServer.Port, "port", viper.GetString("webserver.port"), "Port for the HTTP API")
	cmd.Flags().StringVar(&settings.Realtime.Clips.Path, "clippath", viper.GetString("realtime.clips.path"), "Directory for attached session audio clips")
	cmd.Flags().StringVar(&settings.Realtime.Detector.Evaluator, "evaluator", viper.GetString("realtime.detector.evaluator"), "Evaluator strategy (\"window\" or \"hysteresis\")")
	cmd.Flags().StringVar(&settings.Realtime.Services.Diarizer.URL, "diarizer", viper.GetString("realtime.services.diarizer.url"), "Base URL of the diarization service")
	cmd.Flags().StringVar(&settings.Realtime.Services.Embedder.URL, "embedder", viper.GetString("realtime.services.embedder.url"), "Base URL of the voice embedding service")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
