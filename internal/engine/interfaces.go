// Package engine implements the real-time transport between a hardware
// driven audio producer and a worker-thread consumer: a frame-addressed ring
// buffer, the producer adapter fed by the capture tap, and the consumer pump
// that drives fixed-size frames through an encode/decode round trip and on
// to the output sinks.
package engine

// Codec is the opaque compression capability driven by the consumer pump.
// Encode and Decode operate on fixed-size frames; the returned slices remain
// valid only until the next call.
type Codec interface {
	// Encode compresses one fixed-size interleaved frame.
	Encode(pcm []float32) ([]byte, error)

	// Decode decompresses one packet back to a fixed-size interleaved
	// frame. An empty packet signals packet loss and yields the codec's
	// concealment output.
	Decode(packet []byte) ([]float32, error)

	// Close releases the codec handles. Idempotent.
	Close() error
}

// Tap is the hardware capture collaborator. Start registers the delivery
// callback; the tap invokes it with interleaved chunks of converted samples,
// in order and never concurrently with itself.
type Tap interface {
	Start(deliver func(chunk []float32)) error
	Stop() error
}

// FrameSink consumes decoded audio frames. Accept must tolerate being called
// from the pump goroutine; failures are logged by the pump and never stop it.
type FrameSink interface {
	Name() string
	Accept(frame []float32) error
	Close() error
}
