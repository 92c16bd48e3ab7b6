package sinks

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/opustap/internal/capture"
	"github.com/tphakala/opustap/internal/errors"
	"github.com/tphakala/opustap/internal/logging"
)

// playbackBufferChunks sizes the jitter buffer between the consumer pump and
// the playback callback, in capture chunks.
const playbackBufferChunks = 3

// dropLogInterval throttles the overflow warning; the playback callback runs
// every few milliseconds and a stalled device would otherwise flood the log.
const dropLogInterval = time.Second

// PlaybackSink plays decoded frames on an output device. A byte ring buffer
// decouples the consumer pump from the hardware callback: the pump writes
// whole frames, the callback reads whatever period the device asks for and
// zero-fills when the buffer runs dry.
type PlaybackSink struct {
	log *slog.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device
	ring   *ringbuffer.RingBuffer

	mu       sync.Mutex
	scratch  []byte
	lastDrop time.Time
	closed   bool
}

// NewPlaybackSink opens the playback device matching the source string and
// starts it. The device pulls silence until frames arrive.
func NewPlaybackSink(source string, sampleRate, channels, chunkFrames int) (*PlaybackSink, error) {
	log := logging.ForService("sinks")

	ctx, err := malgo.InitContext(capture.ContextBackends(), malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategoryAudio).
			Context("operation", "init_context").
			Build()
	}

	ps := &PlaybackSink{
		log:  log,
		ctx:  ctx,
		ring: ringbuffer.New(playbackBufferChunks * chunkFrames * channels * 4),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if source != "" && source != "default" {
		pointer, name, err := findPlaybackDevice(ctx, source)
		if err != nil {
			_ = ctx.Uninit()
			return nil, err
		}
		deviceConfig.Playback.DeviceID = pointer
		log.Info("playback on device", "device", name)
	}

	onSendFrames := func(pOutput, _ []byte, frameCount uint32) {
		n, err := ps.ring.Read(pOutput)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return
		}
		// Zero-fill the remainder so an underrun plays silence, not garbage.
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSendFrames,
	})
	if err != nil {
		_ = ctx.Uninit()
		return nil, errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategoryAudio).
			Context("operation", "init_playback_device").
			Build()
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		return nil, errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategoryAudio).
			Context("operation", "start_playback_device").
			Build()
	}

	ps.device = device
	return ps, nil
}

// findPlaybackDevice resolves a source string against the enumerated
// playback devices, by decoded ID or name substring.
func findPlaybackDevice(ctx *malgo.AllocatedContext, source string) (unsafe.Pointer, string, error) {
	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, "", errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategoryAudio).
			Context("operation", "enumerate_playback_devices").
			Build()
	}

	for i := range infos {
		info := &infos[i]
		decodedID, err := capture.HexToASCII(info.ID.String())
		if err != nil {
			decodedID = info.ID.String()
		}
		if decodedID == source || strings.Contains(info.Name(), source) {
			return info.ID.Pointer(), info.Name(), nil
		}
	}

	return nil, "", errors.Newf("no playback device matches source %q", source).
		Component(ComponentSinks).
		Category(errors.CategoryAudio).
		Context("source", source).
		Build()
}

func (ps *PlaybackSink) Name() string { return "playback" }

// Accept queues one decoded frame for the playback callback. If the jitter
// buffer is full the frame is dropped; playback lag never stalls the pump.
func (ps *PlaybackSink) Accept(frame []float32) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return errors.Newf("playback sink is closed").
			Component(ComponentSinks).
			Category(errors.CategorySink).
			Build()
	}

	need := len(frame) * 4
	if cap(ps.scratch) < need {
		ps.scratch = make([]byte, need)
	}
	raw := ps.scratch[:need]
	capture.Float32ToBytes(frame, raw)

	// A near-full buffer takes a partial write and returns
	// ErrTooMuchDataToWrite, which would queue a torn frame. Frames go in
	// whole or not at all, so check for room first. The device callback
	// only reads, so free space can only grow between check and write.
	if ps.ring.Free() < len(raw) {
		if time.Since(ps.lastDrop) >= dropLogInterval {
			ps.lastDrop = time.Now()
			ps.log.Warn("playback buffer full, dropping frames",
				"buffered_bytes", ps.ring.Length())
		}
		return nil
	}

	if _, err := ps.ring.Write(raw); err != nil {
		return errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategorySink).
			Context("operation", "queue_playback").
			Build()
	}
	return nil
}

// Close stops the device and releases the backend context.
func (ps *PlaybackSink) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	ps.mu.Unlock()

	var stopErr error
	if err := ps.device.Stop(); err != nil {
		stopErr = errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategorySink).
			Context("operation", "stop_playback_device").
			Build()
	}
	ps.device.Uninit()
	_ = ps.ctx.Uninit()
	return stopErr
}
