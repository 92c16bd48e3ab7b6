// ring_buffer.go: fixed-capacity circular buffer of audio frames addressed
// by absolute frame numbers rather than read/write cursors.
package engine

import (
	"sync/atomic"

	"github.com/tphakala/opustap/internal/errors"
)

// FrameRingBuffer buffers interleaved float32 audio frames between one
// producer and one consumer. Positions are absolute frame numbers in the
// logical infinite stream; the physical offset is startFrame modulo the
// capacity. Store and Fetch take no lock: the producer position is published
// atomically and both sides validate their frame ranges against it, so the
// structure is safe for exactly one concurrent writer and one concurrent
// reader. Callers must serialize calls on each side themselves.
type FrameRingBuffer struct {
	channels       int
	capacityFrames int64
	data           []float32 // interleaved, capacityFrames*channels samples

	// producerFrame is one past the highest absolute frame number stored.
	producerFrame atomic.Int64
}

// NewFrameRingBuffer allocates a zeroed buffer holding capacityFrames frames
// of the given channel count.
func NewFrameRingBuffer(channels, capacityFrames int) (*FrameRingBuffer, error) {
	if channels <= 0 || capacityFrames <= 0 {
		return nil, errors.New(ErrAllocation).
			Component(ComponentEngine).
			Category(errors.CategoryResource).
			Context("channels", channels).
			Context("capacity_frames", capacityFrames).
			Build()
	}

	return &FrameRingBuffer{
		channels:       channels,
		capacityFrames: int64(capacityFrames),
		data:           make([]float32, capacityFrames*channels),
	}, nil
}

// Channels returns the channel count of the buffer.
func (rb *FrameRingBuffer) Channels() int {
	return rb.channels
}

// Capacity returns the buffer capacity in frames.
func (rb *FrameRingBuffer) Capacity() int {
	return int(rb.capacityFrames)
}

// ProducerFrame returns the absolute frame number one past the last frame
// stored, i.e. the first frame not yet available to Fetch.
func (rb *FrameRingBuffer) ProducerFrame() int64 {
	return rb.producerFrame.Load()
}

// Clear zero-fills the storage and resets the producer position. Must not be
// called while a Store or Fetch is in flight.
func (rb *FrameRingBuffer) Clear() {
	clear(rb.data)
	rb.producerFrame.Store(0)
}

// Store copies frameCount frames from chunk into the buffer at the physical
// position of startFrame, wrapping the copy across the end of the storage.
// The recorded producer position advances to startFrame+frameCount if that
// advances it. Store never blocks and shares no lock with Fetch.
func (rb *FrameRingBuffer) Store(chunk []float32, frameCount int, startFrame int64) error {
	if int64(frameCount) > rb.capacityFrames {
		return errors.New(ErrOutOfBounds).
			Component(ComponentEngine).
			Category(errors.CategoryBuffer).
			Context("frame_count", frameCount).
			Context("capacity_frames", rb.capacityFrames).
			Build()
	}
	samples := frameCount * rb.channels
	if len(chunk) < samples {
		return errors.New(ErrOutOfBounds).
			Component(ComponentEngine).
			Category(errors.CategoryBuffer).
			Context("chunk_samples", len(chunk)).
			Context("required_samples", samples).
			Build()
	}

	pos := int(startFrame % rb.capacityFrames)
	head := frameCount
	if tail := int(rb.capacityFrames) - pos; head > tail {
		head = tail
	}
	copy(rb.data[pos*rb.channels:], chunk[:head*rb.channels])
	if head < frameCount {
		copy(rb.data, chunk[head*rb.channels:samples])
	}

	// Publish the new producer position. Single writer, but CAS keeps the
	// position monotonic even if a caller replays an old startFrame.
	end := startFrame + int64(frameCount)
	for {
		cur := rb.producerFrame.Load()
		if end <= cur || rb.producerFrame.CompareAndSwap(cur, end) {
			return nil
		}
	}
}

// Fetch copies frameCount frames starting at absolute frame startFrame into
// dst. It fails with ErrUnderrun when the range has not been produced yet and
// with ErrStaleData when any of it has already been overwritten. The
// staleness check is repeated after the copy, since the producer may lap the
// reader mid-copy.
func (rb *FrameRingBuffer) Fetch(dst []float32, frameCount int, startFrame int64) error {
	samples := frameCount * rb.channels
	if int64(frameCount) > rb.capacityFrames || len(dst) < samples {
		return errors.New(ErrOutOfBounds).
			Component(ComponentEngine).
			Category(errors.CategoryBuffer).
			Context("frame_count", frameCount).
			Context("dst_samples", len(dst)).
			Build()
	}

	produced := rb.producerFrame.Load()
	if startFrame+int64(frameCount) > produced {
		return errors.New(ErrUnderrun).
			Component(ComponentEngine).
			Category(errors.CategoryBuffer).
			Context("start_frame", startFrame).
			Context("frame_count", frameCount).
			Context("producer_frame", produced).
			Build()
	}
	if startFrame < produced-rb.capacityFrames {
		return rb.staleError(startFrame, frameCount, produced)
	}

	pos := int(startFrame % rb.capacityFrames)
	head := frameCount
	if tail := int(rb.capacityFrames) - pos; head > tail {
		head = tail
	}
	copy(dst[:head*rb.channels], rb.data[pos*rb.channels:(pos+head)*rb.channels])
	if head < frameCount {
		copy(dst[head*rb.channels:samples], rb.data)
	}

	// The producer may have advanced during the copy; if it moved past our
	// range the copied data is partially overwritten and must be rejected.
	if produced = rb.producerFrame.Load(); startFrame < produced-rb.capacityFrames {
		return rb.staleError(startFrame, frameCount, produced)
	}
	return nil
}

func (rb *FrameRingBuffer) staleError(startFrame int64, frameCount int, produced int64) error {
	return errors.New(ErrStaleData).
		Component(ComponentEngine).
		Category(errors.CategoryBuffer).
		Context("start_frame", startFrame).
		Context("frame_count", frameCount).
		Context("producer_frame", produced).
		Build()
}
