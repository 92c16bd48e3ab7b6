package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/opustap/cmd/capture"
	"github.com/tphakala/opustap/cmd/devices"
	"github.com/tphakala/opustap/cmd/loopfile"
	"github.com/tphakala/opustap/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opustap",
		Short: "Opustap CLI",
		Long:  "Capture audio from a device, round-trip it through an Opus encoder and decoder, and feed the result to playback, file export and level metering.",
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
	}

	rootCmd.AddCommand(
		capture.Command(settings),
		devices.Command(settings),
		loopfile.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := cmd.Flags().Parse(args); err != nil {
			return err
		}
		return conf.ValidateSettings(settings)
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Audio.Source, "source", viper.GetString("audio.source"), "Audio capture source (\"sysdefault\", \"USB Audio\", \":0,0\", etc.)")
	rootCmd.PersistentFlags().StringVar(&settings.Audio.Opus.Application, "application", viper.GetString("audio.opus.application"), "Opus application mode (voip, audio, lowdelay)")
	rootCmd.PersistentFlags().IntVar(&settings.Audio.Opus.Bitrate, "bitrate", viper.GetInt("audio.opus.bitrate"), "Opus target bitrate in bits per second, 0 for codec default")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
