// session.go: capture session lifecycle and the producer adapter invoked by
// the hardware tap callback.
package engine

import (
	"log/slog"
	"sync/atomic"

	"github.com/tphakala/opustap/internal/errors"
	"github.com/tphakala/opustap/internal/logging"
)

// Config holds the fixed operating point of a capture session.
type Config struct {
	SampleRate  int // sample rate in Hz
	Channels    int // channel count of the canonical format
	FrameSize   int // frames per codec frame
	ChunkFrames int // frames per capture chunk, a multiple of FrameSize
	SlotCount   int // capture chunks the ring buffer holds, at least 2
}

// Stats is a snapshot of session counters.
type Stats struct {
	ChunksDelivered int64 // capture chunks stored in the ring buffer
	ChunksDropped   int64 // capture chunks rejected by the ring buffer
	FramesPumped    int64 // codec frames through the encode/decode round trip
	FramesSkipped   int64 // codec frames lost to underrun, staleness or codec errors
	BytesEncoded    int64 // total compressed bytes produced
}

// Session ties together one ring buffer, one codec session, the capture tap
// and the output sinks for the duration of a capture run.
//
// Lifecycle is Idle -> Capturing -> Idle: Start clears the buffer, resets the
// cursors, launches the consumer pump and starts the tap; Stop tears down the
// tap first, then lets the pump drain its current batch and exit before the
// codec is closed. Since Stop closes the codec, a Session is good for one
// Start/Stop cycle; create a new one per capture run.
type Session struct {
	cfg   Config
	log   *slog.Logger
	ring  *FrameRingBuffer
	codec Codec
	tap   Tap
	sinks []FrameSink

	// chunkTap optionally observes every raw capture chunk (diagnostics).
	chunkTap func(chunk []float32)

	// pending and wake form the counting signal: the producer adapter
	// increments pending once per chunk and the pump swaps it back to zero
	// when woken, so no increment is ever lost even when the pump stalls.
	// wake has depth one; a buffered token means "pending may be nonzero".
	pending atomic.Int64
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	running atomic.Bool

	// producerFrame is the producer cursor. Only the tap callback touches
	// it, and the tap guarantees its callbacks never overlap.
	producerFrame int64

	chunksDelivered atomic.Int64
	chunksDropped   atomic.Int64
	framesPumped    atomic.Int64
	framesSkipped   atomic.Int64
	bytesEncoded    atomic.Int64
}

// Option configures optional session collaborators.
type Option func(*Session)

// WithChunkTap registers a diagnostic observer for raw capture chunks. The
// observer runs on the hardware callback and must not block.
func WithChunkTap(tap func(chunk []float32)) Option {
	return func(s *Session) {
		s.chunkTap = tap
	}
}

// WithLogger overrides the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.log = logger
	}
}

// NewSession allocates the ring buffer and wires the collaborators together.
// The codec, tap and sinks are owned by the caller until Start succeeds;
// after that Stop closes the codec but leaves tap and sink teardown to the
// caller.
func NewSession(cfg Config, codec Codec, tap Tap, sinks []FrameSink, opts ...Option) (*Session, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.FrameSize <= 0 {
		return nil, errors.Newf("invalid session config: rate=%d channels=%d frameSize=%d",
			cfg.SampleRate, cfg.Channels, cfg.FrameSize).
			Component(ComponentEngine).
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.ChunkFrames <= 0 || cfg.ChunkFrames%cfg.FrameSize != 0 {
		return nil, errors.Newf("chunk size %d is not a multiple of frame size %d",
			cfg.ChunkFrames, cfg.FrameSize).
			Component(ComponentEngine).
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.SlotCount < 2 {
		return nil, errors.Newf("slot count %d too small, need at least 2 to avoid read/write aliasing",
			cfg.SlotCount).
			Component(ComponentEngine).
			Category(errors.CategoryValidation).
			Build()
	}
	if codec == nil || tap == nil {
		return nil, errors.Newf("session requires a codec and a tap").
			Component(ComponentEngine).
			Category(errors.CategoryValidation).
			Build()
	}

	ring, err := NewFrameRingBuffer(cfg.Channels, cfg.ChunkFrames*cfg.SlotCount)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:   cfg,
		log:   logging.ForService("engine"),
		ring:  ring,
		codec: codec,
		tap:   tap,
		sinks: sinks,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ring exposes the session's ring buffer for inspection.
func (s *Session) Ring() *FrameRingBuffer {
	return s.ring
}

// Running reports whether the session is capturing.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		ChunksDelivered: s.chunksDelivered.Load(),
		ChunksDropped:   s.chunksDropped.Load(),
		FramesPumped:    s.framesPumped.Load(),
		FramesSkipped:   s.framesSkipped.Load(),
		BytesEncoded:    s.bytesEncoded.Load(),
	}
}

// Start transitions the session from Idle to Capturing. On failure the
// session remains Idle and can be started again.
func (s *Session) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New(ErrSessionRunning).
			Component(ComponentEngine).
			Category(errors.CategoryState).
			Build()
	}

	s.ring.Clear()
	s.producerFrame = 0
	s.pending.Store(0)
	s.wake = make(chan struct{}, 1)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})

	go s.pump()

	if err := s.tap.Start(s.deliver); err != nil {
		s.running.Store(false)
		close(s.quit)
		<-s.done
		return errors.New(err).
			Component(ComponentEngine).
			Category(errors.CategoryAudioSource).
			Context("operation", "start_tap").
			Build()
	}

	s.log.Info("capture session started",
		"sample_rate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
		"frame_size", s.cfg.FrameSize,
		"chunk_frames", s.cfg.ChunkFrames,
		"capacity_frames", s.ring.Capacity())
	return nil
}

// Stop transitions the session back to Idle: the tap is torn down first so
// no further chunks arrive, then the pump finishes its current batch and
// exits, and only then is the codec closed. Closing the codec any earlier
// would pull it out from under a pump still mid round trip, so teardown is
// deliberately tap, pump, codec in that order. Frames still in the ring
// buffer when Stop is called are discarded.
func (s *Session) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return errors.New(ErrSessionStopped).
			Component(ComponentEngine).
			Category(errors.CategoryState).
			Build()
	}

	tapErr := s.tap.Stop()

	close(s.quit)
	<-s.done

	codecErr := s.codec.Close()

	stats := s.Stats()
	s.log.Info("capture session stopped",
		"chunks_delivered", stats.ChunksDelivered,
		"chunks_dropped", stats.ChunksDropped,
		"frames_pumped", stats.FramesPumped,
		"frames_skipped", stats.FramesSkipped,
		"bytes_encoded", stats.BytesEncoded)

	return errors.Join(tapErr, codecErr)
}

// deliver is the producer adapter. It runs on the hardware callback, so it
// must never block: a chunk the ring buffer rejects is dropped after logging
// and the cursor still advances, keeping the producer clock monotonic.
func (s *Session) deliver(chunk []float32) {
	if !s.running.Load() {
		return
	}

	frameCount := len(chunk) / s.cfg.Channels
	if frameCount == 0 {
		return
	}

	if s.chunkTap != nil {
		s.chunkTap(chunk)
	}

	if err := s.ring.Store(chunk, frameCount, s.producerFrame); err != nil {
		s.chunksDropped.Add(1)
		s.log.Error("dropping capture chunk",
			"error", err,
			"start_frame", s.producerFrame,
			"frame_count", frameCount)
	} else {
		s.chunksDelivered.Add(1)
	}
	s.producerFrame += int64(frameCount)

	// Counting signal: one increment per chunk. The wake send may find
	// the buffer already occupied, which is fine; the pump drains the
	// whole pending count per wakeup.
	s.pending.Add(1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
