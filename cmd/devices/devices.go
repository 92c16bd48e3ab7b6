// Package devices implements the device listing command.
package devices

import (
	"fmt"
	"runtime"

	"github.com/gen2brain/malgo"
	"github.com/spf13/cobra"

	"github.com/tphakala/opustap/internal/capture"
	"github.com/tphakala/opustap/internal/conf"
)

// Command creates the devices command.
func Command(_ *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available audio devices",
		Long:  "Enumerate the capture and playback devices of the host, with the identifiers accepted by the --source and --playbackdevice flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices()
		},
	}
}

func listDevices() error {
	captureDevices, err := capture.ListDevices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("failed to list capture devices: %w", err)
	}

	playbackDevices, err := capture.ListDevices(malgo.Playback)
	if err != nil {
		return fmt.Errorf("failed to list playback devices: %w", err)
	}

	fmt.Println("Capture devices:")
	printDevices(captureDevices)
	fmt.Println("Playback devices:")
	printDevices(playbackDevices)
	return nil
}

func printDevices(devices []capture.DeviceInfo) {
	for _, dev := range devices {
		output := fmt.Sprintf("  %d: %s", dev.Index, dev.Name)
		if runtime.GOOS == "linux" {
			// ALSA device IDs are what the source setting matches against.
			output = fmt.Sprintf("%s, %s", output, dev.ID)
		}
		if dev.Default {
			output += " (default)"
		}
		fmt.Println(output)
	}
}
