// pump.go: the consumer side of the session. A dedicated goroutine drains
// the ring buffer in fixed-size codec frames and drives each through an
// encode/decode round trip to the output sinks.
package engine

func (s *Session) pump() {
	defer close(s.done)

	frameSamples := s.cfg.FrameSize * s.cfg.Channels
	pcm := make([]float32, frameSamples)
	batch := s.cfg.ChunkFrames / s.cfg.FrameSize

	// Consumer cursor, absolute frames. Independent of the producer cursor;
	// the two only meet through the ring buffer bounds checks.
	var consumerFrame int64

	for {
		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
		if !s.running.Load() {
			return
		}

		// Each pending count is one capture chunk, which drains as a fixed
		// batch of codec frames. The whole count is drained per wakeup, so
		// the cursor always advances in lockstep with the producer cursor
		// even after a stall. Frames lost to underrun, staleness or codec
		// errors are skipped, never retried.
		for n := s.pending.Swap(0); n > 0; n = s.pending.Swap(0) {
			for ; n > 0; n-- {
				consumerFrame = s.drainChunk(pcm, batch, consumerFrame)
			}
		}
	}
}

// drainChunk runs one capture chunk's worth of codec frames through the
// encode/decode round trip and returns the advanced consumer cursor.
func (s *Session) drainChunk(pcm []float32, batch int, consumerFrame int64) int64 {
	for i := 0; i < batch; i++ {
		if err := s.ring.Fetch(pcm, s.cfg.FrameSize, consumerFrame); err != nil {
			s.framesSkipped.Add(1)
			s.log.Warn("skipping codec frame",
				"error", err,
				"consumer_frame", consumerFrame)
			consumerFrame += int64(s.cfg.FrameSize)
			continue
		}

		packet, err := s.codec.Encode(pcm)
		if err != nil {
			s.framesSkipped.Add(1)
			s.log.Error("encode failed, dropping frame",
				"error", err,
				"consumer_frame", consumerFrame)
			consumerFrame += int64(s.cfg.FrameSize)
			continue
		}

		decoded, err := s.codec.Decode(packet)
		if err != nil {
			s.framesSkipped.Add(1)
			s.log.Error("decode failed, dropping frame",
				"error", err,
				"consumer_frame", consumerFrame,
				"packet_bytes", len(packet))
			consumerFrame += int64(s.cfg.FrameSize)
			continue
		}

		for _, sink := range s.sinks {
			if err := sink.Accept(decoded); err != nil {
				s.log.Error("sink rejected frame",
					"sink", sink.Name(),
					"error", err,
					"consumer_frame", consumerFrame)
			}
		}

		s.framesPumped.Add(1)
		s.bytesEncoded.Add(int64(len(packet)))
		consumerFrame += int64(s.cfg.FrameSize)
	}
	return consumerFrame
}
