// Package capture owns the miniaudio capture device. AudioTap implements
// the engine's Tap contract: a hardware callback reshaped into fixed-size
// float32 chunks delivered to the producer adapter.
package capture

import (
	"log/slog"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/opustap/internal/errors"
	"github.com/tphakala/opustap/internal/logging"
)

// ComponentCapture identifies this package in error context.
const ComponentCapture = "capture"

// restartDelay is how long the stop callback waits before trying to bring a
// stopped device back up, avoiding rapid restart loops.
const restartDelay = 100 * time.Millisecond

// AudioTap captures from one device in 32-bit float at a fixed rate and
// channel count, accumulating hardware periods into chunks of exactly
// chunkFrames frames before delivering them.
type AudioTap struct {
	source      string
	sampleRate  int
	channels    int
	chunkFrames int
	debug       bool
	log         *slog.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device
	quit   chan struct{}

	// chunk accumulator, touched only by the hardware callback
	acc  []float32
	fill int
}

// NewAudioTap configures a tap for the given device source string. Nothing
// is opened until Start.
func NewAudioTap(source string, sampleRate, channels, chunkFrames int, debug bool) *AudioTap {
	return &AudioTap{
		source:      source,
		sampleRate:  sampleRate,
		channels:    channels,
		chunkFrames: chunkFrames,
		debug:       debug,
		log:         logging.ForService("capture"),
	}
}

type captureSource struct {
	Name    string
	ID      string
	Pointer unsafe.Pointer
}

// selectCaptureSource matches the configured source string against the
// enumerated capture devices. An empty or "default" source selects the
// backend default.
func selectCaptureSource(infos []malgo.DeviceInfo, source string) (captureSource, error) {
	if source == "" || source == "default" {
		return captureSource{Name: "default"}, nil
	}

	for _, info := range infos {
		decodedID, err := HexToASCII(info.ID.String())
		if err != nil {
			decodedID = info.ID.String()
		}
		if matchesDevice(decodedID, info, source) {
			return captureSource{
				Name:    info.Name(),
				ID:      decodedID,
				Pointer: info.ID.Pointer(),
			}, nil
		}
	}

	return captureSource{}, errors.Newf("no capture device matches source %q", source).
		Component(ComponentCapture).
		Category(errors.CategoryAudioSource).
		Context("source", source).
		Build()
}

// Start opens the device and begins delivering chunks. deliver runs on the
// hardware callback thread and must not block.
func (t *AudioTap) Start(deliver func(chunk []float32)) error {
	if t.ctx != nil {
		return errors.Newf("capture tap already started").
			Component(ComponentCapture).
			Category(errors.CategoryState).
			Build()
	}

	ctx, err := malgo.InitContext(ContextBackends(), malgo.ContextConfig{}, func(message string) {
		if t.debug {
			t.log.Debug("miniaudio", "message", message)
		}
	})
	if err != nil {
		return errors.New(err).
			Component(ComponentCapture).
			Category(errors.CategoryAudioSource).
			Context("operation", "init_context").
			Build()
	}

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		_ = ctx.Uninit()
		return errors.New(err).
			Component(ComponentCapture).
			Category(errors.CategoryAudioSource).
			Context("operation", "enumerate_devices").
			Build()
	}

	source, err := selectCaptureSource(infos, t.source)
	if err != nil {
		_ = ctx.Uninit()
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(t.channels)
	deviceConfig.SampleRate = uint32(t.sampleRate)
	deviceConfig.Alsa.NoMMap = 1
	if source.Pointer != nil {
		deviceConfig.Capture.DeviceID = source.Pointer
	}

	t.quit = make(chan struct{})
	t.acc = make([]float32, t.chunkFrames*t.channels)
	t.fill = 0

	onReceiveFrames := func(_, pSamples []byte, frameCount uint32) {
		t.accumulate(pSamples, int(frameCount), deliver)
	}

	// The stop callback also fires on unexpected device loss, try to bring
	// the device back unless we are shutting down.
	onStopDevice := func() {
		go func() {
			select {
			case <-t.quit:
				return
			case <-time.After(restartDelay):
				if err := t.device.Start(); err != nil {
					t.log.Error("failed to restart capture device",
						"device", source.Name,
						"error", err)
				} else {
					t.log.Info("capture device restarted", "device", source.Name)
				}
			}
		}()
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onReceiveFrames,
		Stop: onStopDevice,
	})
	if err != nil {
		_ = ctx.Uninit()
		return errors.New(err).
			Component(ComponentCapture).
			Category(errors.CategoryAudioSource).
			Context("operation", "init_device").
			Context("device", source.Name).
			Build()
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		return errors.New(err).
			Component(ComponentCapture).
			Category(errors.CategoryAudioSource).
			Context("operation", "start_device").
			Context("device", source.Name).
			Build()
	}

	t.ctx = ctx
	t.device = device
	t.log.Info("listening on capture source",
		"device", source.Name,
		"id", source.ID,
		"sample_rate", t.sampleRate,
		"channels", t.channels)
	return nil
}

// accumulate reshapes hardware periods of arbitrary size into chunks of
// exactly chunkFrames frames. The delivered slice is reused; the consumer
// copies out of it before returning.
func (t *AudioTap) accumulate(pSamples []byte, frameCount int, deliver func([]float32)) {
	samples := frameCount * t.channels
	offset := 0
	for samples > 0 {
		n := bytesToFloat32(pSamples[offset*4:], t.acc[t.fill:])
		if n > samples {
			n = samples
		}
		t.fill += n
		offset += n
		samples -= n

		if t.fill == len(t.acc) {
			deliver(t.acc)
			t.fill = 0
		}
		if n == 0 {
			return
		}
	}
}

// Stop halts the device and releases the backend context. Samples still in
// the accumulator are discarded; a partial chunk is never delivered.
func (t *AudioTap) Stop() error {
	if t.ctx == nil {
		return nil
	}

	close(t.quit)

	var stopErr error
	if err := t.device.Stop(); err != nil {
		stopErr = errors.New(err).
			Component(ComponentCapture).
			Category(errors.CategoryAudioSource).
			Context("operation", "stop_device").
			Build()
	}
	t.device.Uninit()
	_ = t.ctx.Uninit()

	t.device = nil
	t.ctx = nil
	t.fill = 0

	t.log.Info("capture source closed")
	return stopErr
}
