package capture

import (
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/opustap/internal/errors"
)

// DeviceInfo describes one audio device as reported by the backend.
type DeviceInfo struct {
	Index   int
	Name    string
	ID      string
	Default bool
}

// ContextBackends picks the native backend for the host OS. An empty slice
// lets miniaudio choose.
func ContextBackends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}

// ListDevices enumerates the capture or playback devices of the host.
func ListDevices(deviceType malgo.DeviceType) ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(ContextBackends(), malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentCapture).
			Category(errors.CategoryAudioSource).
			Context("operation", "init_context").
			Build()
	}
	defer ctx.Uninit() //nolint:errcheck

	infos, err := ctx.Devices(deviceType)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentCapture).
			Category(errors.CategoryAudioSource).
			Context("operation", "enumerate_devices").
			Build()
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		decodedID, err := HexToASCII(info.ID.String())
		if err != nil {
			// Some backends report opaque binary IDs, keep the hex form.
			decodedID = info.ID.String()
		}
		devices = append(devices, DeviceInfo{
			Index:   i,
			Name:    info.Name(),
			ID:      decodedID,
			Default: info.IsDefault == 1,
		})
	}
	return devices, nil
}

// matchesDevice checks whether a device satisfies the configured source
// string, by decoded ID or name substring. On Windows "sysdefault" does not
// exist, so it maps to the backend's default device.
func matchesDevice(decodedID string, info malgo.DeviceInfo, source string) bool {
	if runtime.GOOS == "windows" && source == "sysdefault" {
		return info.IsDefault == 1
	}
	return decodedID == source || strings.Contains(info.Name(), source)
}

// HexToASCII converts a hexadecimal string to an ASCII string.
func HexToASCII(hexStr string) (string, error) {
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
