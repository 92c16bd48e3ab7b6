package engine

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/opustap/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCodec serializes frames losslessly so sink output can be compared
// against tap input sample for sample. failEvery injects a decode error on
// every Nth frame when set.
type fakeCodec struct {
	mu        sync.Mutex
	encoded   int
	decoded   int
	closed    int
	failEvery int
}

func (c *fakeCodec) Encode(pcm []float32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoded++
	packet := make([]byte, 4*len(pcm))
	for i, sample := range pcm {
		binary.LittleEndian.PutUint32(packet[4*i:], math.Float32bits(sample))
	}
	return packet, nil
}

func (c *fakeCodec) Decode(packet []byte) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoded++
	if c.failEvery > 0 && c.decoded%c.failEvery == 0 {
		return nil, errors.Newf("synthetic decode failure").
			Component("fake-codec").
			Category(errors.CategoryCodec).
			Build()
	}
	pcm := make([]float32, len(packet)/4)
	for i := range pcm {
		pcm[i] = math.Float32frombits(binary.LittleEndian.Uint32(packet[4*i:]))
	}
	return pcm, nil
}

func (c *fakeCodec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeCodec) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTap hands the producer adapter back to the test, which then plays the
// hardware callback by calling deliver directly.
type fakeTap struct {
	mu       sync.Mutex
	deliver  func([]float32)
	startErr error
	started  int
	stopped  int
}

func (ft *fakeTap) Start(deliver func([]float32)) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.startErr != nil {
		return ft.startErr
	}
	ft.deliver = deliver
	ft.started++
	return nil
}

func (ft *fakeTap) Stop() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.stopped++
	return nil
}

func (ft *fakeTap) push(chunk []float32) {
	ft.mu.Lock()
	deliver := ft.deliver
	ft.mu.Unlock()
	deliver(chunk)
}

// collectSink records every delivered frame.
type collectSink struct {
	mu     sync.Mutex
	frames [][]float32
}

func (cs *collectSink) Name() string { return "collect" }

func (cs *collectSink) Accept(frame []float32) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.frames = append(cs.frames, append([]float32(nil), frame...))
	return nil
}

func (cs *collectSink) Close() error { return nil }

func (cs *collectSink) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.frames)
}

func (cs *collectSink) frame(i int) []float32 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.frames[i]
}

// gateSink blocks the pump inside its first Accept until the gate is
// closed, then records frames like collectSink.
type gateSink struct {
	collectSink
	gate chan struct{}
	once sync.Once
}

func (g *gateSink) Name() string { return "gate" }

func (g *gateSink) Accept(frame []float32) error {
	g.once.Do(func() { <-g.gate })
	return g.collectSink.Accept(frame)
}

// failSink always rejects. Used to show sink failures never stall the pump.
type failSink struct{}

func (failSink) Name() string             { return "fail" }
func (failSink) Accept(_ []float32) error { return errors.Newf("sink full").Build() }
func (failSink) Close() error             { return nil }

func testConfig() Config {
	return Config{
		SampleRate:  24000,
		Channels:    2,
		FrameSize:   240,
		ChunkFrames: 2400,
		SlotCount:   3,
	}
}

func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	codec := &fakeCodec{}
	tap := &fakeTap{}

	testCases := []struct {
		name   string
		mutate func(*Config)
		codec  Codec
		tap    Tap
	}{
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }, codec, tap},
		{"zero channels", func(c *Config) { c.Channels = 0 }, codec, tap},
		{"chunk not multiple of frame", func(c *Config) { c.ChunkFrames = 250 }, codec, tap},
		{"single slot", func(c *Config) { c.SlotCount = 1 }, codec, tap},
		{"nil codec", func(*Config) {}, nil, tap},
		{"nil tap", func(*Config) {}, codec, nil},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			tc.mutate(&cfg)
			s, err := NewSession(cfg, tc.codec, tc.tap, nil)
			require.Error(t, err)
			assert.Nil(t, s)
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	codec := &fakeCodec{}
	tap := &fakeTap{}
	sink := &collectSink{}

	s, err := NewSession(testConfig(), codec, tap, []FrameSink{sink})
	require.NoError(t, err)
	assert.False(t, s.Running())

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.True(t, errors.Is(s.Start(), ErrSessionRunning))

	// Play the tap: three chunks, each sample encoding its absolute frame.
	cfg := testConfig()
	const chunks = 3
	for i := 0; i < chunks; i++ {
		tap.push(chunkAt(int64(i*cfg.ChunkFrames), cfg.ChunkFrames, cfg.Channels))
	}

	wantFrames := chunks * cfg.ChunkFrames / cfg.FrameSize
	require.Eventually(t, func() bool {
		return sink.count() == wantFrames
	}, 5*time.Second, time.Millisecond, "pump drains every delivered chunk")

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	assert.True(t, errors.Is(s.Stop(), ErrSessionStopped))
	assert.Equal(t, 1, codec.closeCount())

	// The round trip is order and content preserving.
	for i := 0; i < wantFrames; i++ {
		want := chunkAt(int64(i*cfg.FrameSize), cfg.FrameSize, cfg.Channels)
		assert.Equal(t, want, sink.frame(i), "frame %d", i)
	}

	stats := s.Stats()
	assert.Equal(t, int64(chunks), stats.ChunksDelivered)
	assert.Equal(t, int64(0), stats.ChunksDropped)
	assert.Equal(t, int64(wantFrames), stats.FramesPumped)
	assert.Equal(t, int64(0), stats.FramesSkipped)
	assert.Positive(t, stats.BytesEncoded)
}

func TestSessionStartRollsBackOnTapFailure(t *testing.T) {
	codec := &fakeCodec{}
	tap := &fakeTap{startErr: errors.Newf("device busy").Build()}

	s, err := NewSession(testConfig(), codec, tap, nil)
	require.NoError(t, err)

	err = s.Start()
	require.Error(t, err)
	assert.False(t, s.Running(), "failed start leaves the session idle")

	// The session is reusable after a failed start.
	tap.startErr = nil
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestSessionCodecErrorsAreContained(t *testing.T) {
	codec := &fakeCodec{failEvery: 5}
	tap := &fakeTap{}
	sink := &collectSink{}

	s, err := NewSession(testConfig(), codec, tap, []FrameSink{sink})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	cfg := testConfig()
	const chunks = 2
	for i := 0; i < chunks; i++ {
		tap.push(chunkAt(int64(i*cfg.ChunkFrames), cfg.ChunkFrames, cfg.Channels))
	}

	total := chunks * cfg.ChunkFrames / cfg.FrameSize
	skipped := total / codec.failEvery
	require.Eventually(t, func() bool {
		return sink.count() == total-skipped
	}, 5*time.Second, time.Millisecond)

	assert.True(t, s.Running(), "codec errors never stop the session")
	require.NoError(t, s.Stop())

	stats := s.Stats()
	assert.Equal(t, int64(total-skipped), stats.FramesPumped)
	assert.Equal(t, int64(skipped), stats.FramesSkipped)
}

func TestSessionSinkErrorsAreContained(t *testing.T) {
	codec := &fakeCodec{}
	tap := &fakeTap{}
	good := &collectSink{}

	// Failing sink listed first: its rejection must not starve the next sink.
	s, err := NewSession(testConfig(), codec, tap, []FrameSink{failSink{}, good})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	cfg := testConfig()
	tap.push(chunkAt(0, cfg.ChunkFrames, cfg.Channels))

	wantFrames := cfg.ChunkFrames / cfg.FrameSize
	require.Eventually(t, func() bool {
		return good.count() == wantFrames
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Equal(t, int64(wantFrames), s.Stats().FramesPumped)
}

func TestSessionChunkTapObservesRawChunks(t *testing.T) {
	codec := &fakeCodec{}
	tap := &fakeTap{}

	var observed int
	s, err := NewSession(testConfig(), codec, tap, nil,
		WithChunkTap(func(chunk []float32) { observed += len(chunk) }))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	cfg := testConfig()
	tap.push(chunkAt(0, cfg.ChunkFrames, cfg.Channels))
	require.NoError(t, s.Stop())

	assert.Equal(t, cfg.ChunkFrames*cfg.Channels, observed)
}

// A stalled pump must not lose chunk arrivals: once the stall clears, the
// consumer cursor has to catch up to the producer and the round trip has to
// resume on fresh data instead of skipping stale frames forever.
func TestSessionRecoversAfterPumpStall(t *testing.T) {
	codec := &fakeCodec{}
	tap := &fakeTap{}
	sink := &gateSink{gate: make(chan struct{})}

	cfg := testConfig()
	s, err := NewSession(cfg, codec, tap, []FrameSink{sink})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	batch := cfg.ChunkFrames / cfg.FrameSize

	// Stall the pump on its first delivered frame, then push far more
	// chunks than the ring buffer holds.
	const stallChunks = 12
	for i := 0; i < stallChunks; i++ {
		tap.push(chunkAt(int64(i*cfg.ChunkFrames), cfg.ChunkFrames, cfg.Channels))
	}
	close(sink.gate)

	// The backlog drains completely: overwritten frames are skipped, but
	// the consumer cursor ends up level with the producer.
	require.Eventually(t, func() bool {
		stats := s.Stats()
		return stats.FramesPumped+stats.FramesSkipped == int64(stallChunks*batch)
	}, 5*time.Second, time.Millisecond, "backlog drains after the stall")

	// At matched cadence from here on nothing may be skipped as stale.
	skippedInStall := s.Stats().FramesSkipped
	const steadyChunks = 50
	for i := 0; i < steadyChunks; i++ {
		base := int64((stallChunks + i) * cfg.ChunkFrames)
		tap.push(chunkAt(base, cfg.ChunkFrames, cfg.Channels))
		want := int64((stallChunks + i + 1) * batch)
		require.Eventually(t, func() bool {
			stats := s.Stats()
			return stats.FramesPumped+stats.FramesSkipped == want
		}, 5*time.Second, time.Millisecond, "chunk %d drains", i)
	}

	stats := s.Stats()
	assert.Equal(t, skippedInStall, stats.FramesSkipped, "no frames skipped after recovery")
	assert.GreaterOrEqual(t, stats.FramesPumped, int64(steadyChunks*batch))

	require.NoError(t, s.Stop())

	// The last frame out matches the last frame in, so the stream is live
	// again rather than trailing the producer.
	last := sink.frame(sink.count() - 1)
	wantBase := int64((stallChunks+steadyChunks)*cfg.ChunkFrames - cfg.FrameSize)
	assert.Equal(t, chunkAt(wantBase, cfg.FrameSize, cfg.Channels), last)
}

// TestSessionSustainedThroughput drives many chunks through the full
// producer/consumer path and checks nothing is lost when the consumer keeps
// up with the producer.
func TestSessionSustainedThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("sustained throughput test skipped in short mode")
	}

	codec := &fakeCodec{}
	tap := &fakeTap{}
	sink := &collectSink{}

	cfg := testConfig()
	s, err := NewSession(cfg, codec, tap, []FrameSink{sink})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	const chunks = 500
	framesPerChunk := cfg.ChunkFrames / cfg.FrameSize
	for i := 0; i < chunks; i++ {
		tap.push(chunkAt(int64(i*cfg.ChunkFrames), cfg.ChunkFrames, cfg.Channels))
		// Wait for the batch to drain before the next chunk, mirroring the
		// real tap cadence where chunks arrive one buffer period apart.
		want := (i + 1) * framesPerChunk
		require.Eventually(t, func() bool {
			return sink.count() >= want
		}, 5*time.Second, 100*time.Microsecond)
	}

	require.NoError(t, s.Stop())

	stats := s.Stats()
	assert.Equal(t, int64(chunks), stats.ChunksDelivered)
	assert.Equal(t, int64(0), stats.ChunksDropped)
	assert.Equal(t, int64(chunks*framesPerChunk), stats.FramesPumped)
	assert.Equal(t, int64(0), stats.FramesSkipped)
}
