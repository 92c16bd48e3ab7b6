// Package loopfile implements the offline loopfile command: a WAV file is
// run through the same Opus round trip the realtime path uses, and the
// decoded result is written to a new WAV file.
package loopfile

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/opustap/internal/codec"
	"github.com/tphakala/opustap/internal/conf"
	"github.com/tphakala/opustap/internal/logging"
	"github.com/tphakala/opustap/internal/sinks"
)

// Command creates the loopfile command.
func Command(settings *conf.Settings) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "loopfile [input.wav]",
		Short: "Round-trip a WAV file through the codec",
		Long:  "Decode a WAV file, run it through the Opus encode/decode round trip frame by frame and write the result to a new WAV file. Useful for judging codec quality at a given bitrate without touching audio hardware.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoopFile(settings, args[0], outputPath)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", viper.GetString("audio.export.path"), "Path of the output WAV file")

	return cmd
}

func runLoopFile(settings *conf.Settings, inputPath, outputPath string) error {
	log := logging.ForService("loopfile")

	sampleRate, channels, samples, err := readWAV(inputPath)
	if err != nil {
		return err
	}

	// Opus accepts 8, 12, 16, 24 and 48 kHz; a 10 ms frame keeps the
	// offline path aligned with the realtime operating point.
	frameSize := sampleRate / 100

	codecSession, err := codec.NewSession(sampleRate, channels, frameSize,
		settings.Audio.Opus.Application, settings.Audio.Opus.Bitrate)
	if err != nil {
		return fmt.Errorf("failed to create codec: %w", err)
	}
	defer codecSession.Close() //nolint:errcheck

	out, err := sinks.NewWAVSink(outputPath, sampleRate, channels)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	frameSamples := frameSize * channels
	var frames, bytesEncoded int

	// The tail is padded with silence to a full codec frame.
	for offset := 0; offset < len(samples); offset += frameSamples {
		frame := make([]float32, frameSamples)
		copy(frame, samples[offset:min(offset+frameSamples, len(samples))])

		packet, err := codecSession.Encode(frame)
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("encode failed at frame %d: %w", frames, err)
		}

		decoded, err := codecSession.Decode(packet)
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("decode failed at frame %d: %w", frames, err)
		}

		if err := out.Accept(decoded); err != nil {
			_ = out.Close()
			return fmt.Errorf("write failed at frame %d: %w", frames, err)
		}

		frames++
		bytesEncoded += len(packet)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to finalize output: %w", err)
	}

	log.Info("loopfile complete",
		"input", inputPath,
		"output", outputPath,
		"sample_rate", sampleRate,
		"channels", channels,
		"frames", frames,
		"bytes_encoded", bytesEncoded)
	return nil
}

// readWAV loads a whole WAV file as interleaved float32 samples scaled to
// [-1, 1].
func readWAV(path string) (sampleRate, channels int, samples []float32, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return 0, 0, nil, fmt.Errorf("%s is not a valid WAV file", path)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to decode input: %w", err)
	}

	sampleRate = buf.Format.SampleRate
	channels = buf.Format.NumChannels

	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return 0, 0, nil, fmt.Errorf("sample rate %d Hz is not supported by opus, resample to 8, 12, 16, 24 or 48 kHz", sampleRate)
	}
	if channels < 1 || channels > 2 {
		return 0, 0, nil, fmt.Errorf("%d channels not supported, expected mono or stereo", channels)
	}

	// go-audio decodes to ints at the file's bit depth; scale to unit range.
	scale := float32(int(1) << (decoder.BitDepth - 1))
	samples = make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = float32(s) / scale
	}
	return sampleRate, channels, samples, nil
}
