// Package codec wraps libopus behind the engine's Codec interface: one
// encoder/decoder pair bound to a fixed sample rate, channel count and
// frame size.
package codec

import (
	"strings"
	"sync"

	opus "gopkg.in/hraban/opus.v2"

	"github.com/tphakala/opustap/internal/errors"
)

// maxPacketSize bounds a single compressed frame. libopus recommends 4000
// bytes as a safe ceiling for any mode and frame duration it supports.
const maxPacketSize = 4000

// ErrInvalidFrameSize reports PCM input whose length does not match the
// configured frame size.
var ErrInvalidFrameSize = errors.Newf("pcm length does not match configured frame size").
	Component(ComponentCodec).
	Category(errors.CategoryValidation).
	Build()

// ErrClosed reports use of a session after Close.
var ErrClosed = errors.Newf("codec session is closed").
	Component(ComponentCodec).
	Category(errors.CategoryState).
	Build()

// ComponentCodec identifies this package in error context.
const ComponentCodec = "codec"

// ParseApplication maps a configuration string to the libopus application
// mode. Empty input selects the low-delay mode, matching the capture
// pipeline's latency-first defaults.
func ParseApplication(name string) (opus.Application, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lowdelay":
		return opus.AppRestrictedLowdelay, nil
	case "voip":
		return opus.AppVoIP, nil
	case "audio":
		return opus.AppAudio, nil
	default:
		return 0, errors.Newf("unknown opus application %q, expected voip, audio or lowdelay", name).
			Component(ComponentCodec).
			Category(errors.CategoryValidation).
			Build()
	}
}

// Session is a stateful Opus encoder/decoder pair. Encode and Decode share
// the session's scratch buffers and must be called from a single goroutine;
// the consumer pump satisfies this by construction.
type Session struct {
	sampleRate int
	channels   int
	frameSize  int

	encoder *opus.Encoder
	decoder *opus.Decoder

	packet  []byte
	decoded []float32

	closeOnce sync.Once
	closed    bool
}

// NewSession creates the encoder and decoder for the given operating point.
// frameSize is in frames per channel and must be one of the durations opus
// accepts at the given rate; bitrate 0 keeps the libopus default.
func NewSession(sampleRate, channels, frameSize int, application string, bitrate int) (*Session, error) {
	app, err := ParseApplication(application)
	if err != nil {
		return nil, err
	}

	encoder, err := opus.NewEncoder(sampleRate, channels, app)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentCodec).
			Category(errors.CategoryCodec).
			Context("operation", "create_encoder").
			Context("sample_rate", sampleRate).
			Context("channels", channels).
			Build()
	}

	if bitrate > 0 {
		if err := encoder.SetBitrate(bitrate); err != nil {
			return nil, errors.New(err).
				Component(ComponentCodec).
				Category(errors.CategoryCodec).
				Context("operation", "set_bitrate").
				Context("bitrate", bitrate).
				Build()
		}
	}

	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentCodec).
			Category(errors.CategoryCodec).
			Context("operation", "create_decoder").
			Context("sample_rate", sampleRate).
			Context("channels", channels).
			Build()
	}

	return &Session{
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
		encoder:    encoder,
		decoder:    decoder,
		packet:     make([]byte, maxPacketSize),
		decoded:    make([]float32, frameSize*channels),
	}, nil
}

// FrameSize returns the configured frames per codec frame.
func (s *Session) FrameSize() int {
	return s.frameSize
}

// Encode compresses one PCM frame of exactly frameSize*channels interleaved
// samples. The returned slice aliases the session's scratch buffer and is
// valid until the next Encode call.
func (s *Session) Encode(pcm []float32) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if len(pcm) != s.frameSize*s.channels {
		return nil, errors.New(ErrInvalidFrameSize).
			Component(ComponentCodec).
			Category(errors.CategoryValidation).
			Context("got_samples", len(pcm)).
			Context("want_samples", s.frameSize*s.channels).
			Build()
	}

	n, err := s.encoder.EncodeFloat32(pcm, s.packet)
	if err != nil {
		return nil, codecError(err, "encode")
	}
	return s.packet[:n], nil
}

// Decode decompresses one packet back to interleaved PCM. An empty packet
// signals packet loss and triggers the decoder's loss concealment, still
// yielding a full frame. The returned slice aliases the session's scratch
// buffer and is valid until the next Decode call.
func (s *Session) Decode(packet []byte) ([]float32, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if len(packet) == 0 {
		if err := s.decoder.DecodePLCFloat32(s.decoded); err != nil {
			return nil, codecError(err, "decode_plc")
		}
		return s.decoded, nil
	}

	n, err := s.decoder.DecodeFloat32(packet, s.decoded)
	if err != nil {
		return nil, codecError(err, "decode")
	}
	return s.decoded[:n*s.channels], nil
}

// Close marks the session done. libopus state is garbage collected, so this
// is bookkeeping only; it exists so callers can treat the codec like any
// other owned resource. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		s.encoder = nil
		s.decoder = nil
	})
	return nil
}

// codecError wraps a libopus failure, surfacing the opus error code when the
// library exposes one.
func codecError(err error, operation string) error {
	builder := errors.New(err).
		Component(ComponentCodec).
		Category(errors.CategoryCodec).
		Context("operation", operation)

	var opusErr opus.Error
	if errors.As(err, &opusErr) {
		builder = builder.Context("opus_code", int(opusErr))
	}
	return builder.Build()
}
