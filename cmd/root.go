package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/earshot/earshot-go/cmd/process"
	"github.com/earshot/earshot-go/cmd/realtime"
	"github.com/earshot/earshot-go/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "earshot",
		Short: "Earshot ambient conversation detector",
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(
		realtime.Command(settings),
		process.Command(settings),
	)
	return rootCmd
}

// setupFlags configures the global flags for the root command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	_ = viper.BindPFlags(cmd.PersistentFlags())
}
