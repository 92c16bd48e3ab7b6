// conf/consts.go hard coded constants
package conf

const (
	SampleRate  = 24000 // Sample rate of audio fed to the Opus codec
	BitDepth    = 32    // Bit depth of the canonical sample format (float32)
	NumChannels = 2     // Number of channels of the canonical format

	// FrameSize is the number of frames per codec frame, 10 ms at SampleRate.
	FrameSize = 240

	// ChunkFrames is the number of frames delivered by the capture tap per
	// chunk, 100 ms at SampleRate. Each chunk drains as FramesPerChunk
	// codec frames.
	ChunkFrames    = 2400
	FramesPerChunk = ChunkFrames / FrameSize

	// SlotCount is how many capture chunks the ring buffer holds. Three
	// slots let the producer run up to two chunks ahead of the consumer
	// before stale data becomes possible.
	SlotCount      = 3
	CapacityFrames = ChunkFrames * SlotCount

	SampleSize    = BitDepth / 8
	BytesPerFrame = NumChannels * SampleSize
)

// Log rotation types.
const (
	RotationDaily  = "daily"
	RotationWeekly = "weekly"
	RotationSize   = "size"
)
