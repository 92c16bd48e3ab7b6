package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/opustap/internal/conf"
	"github.com/tphakala/opustap/internal/errors"
)

// sineFrame fills one interleaved frame with a stereo sine tone. phase is in
// samples and advances across calls so consecutive frames are continuous.
func sineFrame(frameSize, channels int, freq float64, phase int) []float32 {
	pcm := make([]float32, frameSize*channels)
	for f := 0; f < frameSize; f++ {
		sample := float32(0.5 * math.Sin(2*math.Pi*freq*float64(phase+f)/float64(conf.SampleRate)))
		for c := 0; c < channels; c++ {
			pcm[f*channels+c] = sample
		}
	}
	return pcm
}

func rms(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(conf.SampleRate, conf.NumChannels, conf.FrameSize, "lowdelay", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseApplication(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "voip", "audio", "lowdelay", "VoIP", " Audio "} {
		_, err := ParseApplication(name)
		assert.NoError(t, err, "application %q", name)
	}

	_, err := ParseApplication("turbo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown opus application")
}

func TestNewSessionRejectsUnsupportedRate(t *testing.T) {
	t.Parallel()

	// Opus only accepts 8, 12, 16, 24 and 48 kHz.
	s, err := NewSession(44100, 2, 441, "audio", 0)
	require.Error(t, err)
	assert.Nil(t, s)
}

func TestNewSessionRejectsUnknownApplication(t *testing.T) {
	t.Parallel()

	s, err := NewSession(conf.SampleRate, conf.NumChannels, conf.FrameSize, "turbo", 0)
	require.Error(t, err)
	assert.Nil(t, s)
}

func TestEncodeRejectsWrongFrameSize(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)

	_, err := s.Encode(make([]float32, conf.FrameSize)) // missing second channel
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFrameSize))

	_, err = s.Encode(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFrameSize))
}

// correlation returns the normalized cross-correlation of two equal-length
// sample sequences, 1.0 for identical shape regardless of gain.
func correlation(a, b []float32) float64 {
	var dot, aa, bb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aa += float64(a[i]) * float64(a[i])
		bb += float64(b[i]) * float64(b[i])
	}
	if aa == 0 || bb == 0 {
		return 0
	}
	return dot / math.Sqrt(aa*bb)
}

// TestRoundTripPreservesSignal feeds a sustained sine tone through the
// encoder and decoder. Opus is lossy, so the output must differ from the
// input sample for sample while still tracking its energy and, after
// compensating for the codec's algorithmic delay, its shape.
func TestRoundTripPreservesSignal(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)

	const frames = 50
	var inputRMS, outputRMS float64
	var measured int
	var input, output []float32
	for i := 0; i < frames; i++ {
		pcm := sineFrame(conf.FrameSize, conf.NumChannels, 440, i*conf.FrameSize)

		packet, err := s.Encode(pcm)
		require.NoError(t, err)
		assert.NotEmpty(t, packet)
		assert.LessOrEqual(t, len(packet), maxPacketSize)

		decoded, err := s.Decode(packet)
		require.NoError(t, err)
		require.Len(t, decoded, conf.FrameSize*conf.NumChannels)

		// Channel 0 carries the tone on both sides; keep it for the
		// sample-wise checks below.
		for f := 0; f < conf.FrameSize; f++ {
			input = append(input, pcm[f*conf.NumChannels])
			output = append(output, decoded[f*conf.NumChannels])
		}

		// Skip the first frames: the codec's algorithmic delay means early
		// output is attenuated.
		if i >= 10 {
			inputRMS += rms(pcm)
			outputRMS += rms(decoded)
			measured++
		}
	}

	inputRMS /= float64(measured)
	outputRMS /= float64(measured)
	assert.InEpsilon(t, inputRMS, outputRMS, 0.25,
		"steady-state output energy tracks input energy")

	assert.NotEqual(t, input, output,
		"the codec is lossy, output must not be bit identical to input")

	// Shape check on the steady-state region, searching over candidate
	// decoder delays up to two frames.
	in := input[10*conf.FrameSize:]
	out := output[10*conf.FrameSize:]
	const maxLag = 2 * conf.FrameSize
	n := len(in) - maxLag
	best := -1.0
	for lag := 0; lag <= maxLag; lag++ {
		if c := correlation(in[:n], out[lag:lag+n]); c > best {
			best = c
		}
	}
	assert.Greater(t, best, 0.9,
		"delay-compensated output correlates with the input tone")
}

func TestDecodeEmptyPacketConcealsLoss(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)

	// Prime the decoder with a real frame so concealment has history.
	packet, err := s.Encode(sineFrame(conf.FrameSize, conf.NumChannels, 440, 0))
	require.NoError(t, err)
	_, err = s.Decode(packet)
	require.NoError(t, err)

	decoded, err := s.Decode(nil)
	require.NoError(t, err)
	assert.Len(t, decoded, conf.FrameSize*conf.NumChannels,
		"loss concealment still yields a full frame")
}

func TestBitrateIsApplied(t *testing.T) {
	t.Parallel()

	low, err := NewSession(conf.SampleRate, conf.NumChannels, conf.FrameSize, "audio", 6000)
	require.NoError(t, err)
	defer low.Close()

	high, err := NewSession(conf.SampleRate, conf.NumChannels, conf.FrameSize, "audio", 256000)
	require.NoError(t, err)
	defer high.Close()

	var lowBytes, highBytes int
	for i := 0; i < 20; i++ {
		pcm := sineFrame(conf.FrameSize, conf.NumChannels, 440, i*conf.FrameSize)

		p, err := low.Encode(pcm)
		require.NoError(t, err)
		lowBytes += len(p)

		p, err = high.Encode(pcm)
		require.NoError(t, err)
		highBytes += len(p)
	}

	assert.Less(t, lowBytes, highBytes,
		"lower target bitrate produces smaller packets")
}

func TestCloseIsIdempotentAndGuardsUse(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Encode(sineFrame(conf.FrameSize, conf.NumChannels, 440, 0))
	assert.True(t, errors.Is(err, ErrClosed))

	_, err = s.Decode([]byte{0x01})
	assert.True(t, errors.Is(err, ErrClosed))
}
