// conf/validate.go

package conf

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateLogSettings(&settings.Main.Log); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateAudioSettings(&settings.Audio); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateLogSettings validates the main log settings
func validateLogSettings(settings *LogConfig) error {
	var errs []string

	if settings.Enabled && settings.Path == "" {
		errs = append(errs, "log path must not be empty when logging is enabled")
	}

	switch settings.Rotation {
	case RotationDaily, RotationWeekly, RotationSize:
	default:
		errs = append(errs, fmt.Sprintf("invalid log rotation type: %s", settings.Rotation))
	}

	if settings.Rotation == RotationSize && settings.MaxSize <= 0 {
		errs = append(errs, "log max size must be greater than 0 for size rotation")
	}

	if len(errs) > 0 {
		return fmt.Errorf("log settings errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validateAudioSettings validates the audio capture and output settings
func validateAudioSettings(settings *AudioSettings) error {
	var errs []string

	switch settings.Opus.Application {
	case "voip", "audio", "lowdelay":
	default:
		errs = append(errs, fmt.Sprintf("invalid opus application mode: %s", settings.Opus.Application))
	}

	// libopus accepts 500 bps to 512 kbps; 0 keeps the codec default
	if settings.Opus.Bitrate != 0 && (settings.Opus.Bitrate < 500 || settings.Opus.Bitrate > 512000) {
		errs = append(errs, fmt.Sprintf("opus bitrate out of range: %d", settings.Opus.Bitrate))
	}

	if settings.Export.Enabled {
		if settings.Export.Path == "" {
			errs = append(errs, "export path must not be empty when export is enabled")
		} else if ext := strings.ToLower(filepath.Ext(settings.Export.Path)); ext != ".wav" {
			errs = append(errs, fmt.Sprintf("unsupported export file type: %s", ext))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("audio settings errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
