package sinks

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/opustap/internal/errors"
	"github.com/tphakala/opustap/internal/logging"
)

// wavBitDepth is the sample width of exported files. Decoded float32 frames
// are scaled to 16-bit integers, the interchange format most tools expect.
const wavBitDepth = 16

// WAVSink appends decoded frames to a WAV file. Accept runs only on the
// consumer pump goroutine; the mutex just orders Accept against Close.
type WAVSink struct {
	path       string
	sampleRate int
	channels   int

	mu      sync.Mutex
	file    *os.File
	encoder *wav.Encoder
	scratch []int
	closed  bool
}

// NewWAVSink creates the output file, truncating an existing one, and writes
// the header. The file is finalized on Close.
func NewWAVSink(path string, sampleRate, channels int) (*WAVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategoryFileIO).
			Context("operation", "create_export_dir").
			Context("path", path).
			Build()
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategoryFileIO).
			Context("operation", "create_export_file").
			Context("path", path).
			Build()
	}

	return &WAVSink{
		path:       path,
		sampleRate: sampleRate,
		channels:   channels,
		file:       file,
		encoder:    wav.NewEncoder(file, sampleRate, wavBitDepth, channels, 1),
	}, nil
}

func (ws *WAVSink) Name() string { return "wav" }

// Accept converts one interleaved float32 frame to 16-bit samples and
// appends it to the file.
func (ws *WAVSink) Accept(frame []float32) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return errors.Newf("wav sink is closed").
			Component(ComponentSinks).
			Category(errors.CategorySink).
			Context("path", ws.path).
			Build()
	}

	if cap(ws.scratch) < len(frame) {
		ws.scratch = make([]int, len(frame))
	}
	samples := ws.scratch[:len(frame)]
	for i, s := range frame {
		samples[i] = floatToInt16(s)
	}

	buf := &audio.IntBuffer{
		Data: samples,
		Format: &audio.Format{
			SampleRate:  ws.sampleRate,
			NumChannels: ws.channels,
		},
	}
	if err := ws.encoder.Write(buf); err != nil {
		return errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategorySink).
			Context("operation", "write_wav").
			Context("path", ws.path).
			Build()
	}
	return nil
}

// Close finalizes the WAV header and closes the file. Safe to call once;
// later calls are no-ops.
func (ws *WAVSink) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return nil
	}
	ws.closed = true

	encErr := ws.encoder.Close()
	fileErr := ws.file.Close()
	if err := errors.Join(encErr, fileErr); err != nil {
		return errors.New(err).
			Component(ComponentSinks).
			Category(errors.CategorySink).
			Context("operation", "finalize_wav").
			Context("path", ws.path).
			Build()
	}

	logging.ForService("sinks").Info("wav export finalized", "path", ws.path)
	return nil
}

// floatToInt16 clamps a float32 sample to [-1, 1] and scales it to the
// 16-bit integer range.
func floatToInt16(s float32) int {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int(s * 32767)
}
