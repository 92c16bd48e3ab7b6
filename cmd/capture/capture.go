// Package capture implements the realtime capture command: device in, Opus
// round trip, sinks out, until interrupted.
package capture

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/opustap/internal/capture"
	"github.com/tphakala/opustap/internal/codec"
	"github.com/tphakala/opustap/internal/conf"
	"github.com/tphakala/opustap/internal/engine"
	"github.com/tphakala/opustap/internal/logging"
	"github.com/tphakala/opustap/internal/sinks"
)

// statsInterval is how often the running session logs its counters.
const statsInterval = 30 * time.Second

// levelLogInterval throttles audio level log lines.
const levelLogInterval = 5 * time.Second

// Command creates the capture command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture audio in realtime mode",
		Long:  "Capture audio from the configured device, run every frame through an Opus encode/decode round trip and deliver the decoded audio to the enabled sinks. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the capture command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().BoolVar(&settings.Audio.Export.Enabled, "export", viper.GetBool("audio.export.enabled"), "Export decoded audio to a WAV file")
	cmd.Flags().StringVar(&settings.Audio.Export.Path, "exportpath", viper.GetString("audio.export.path"), "Path of the WAV export file")
	cmd.Flags().BoolVar(&settings.Audio.Playback.Enabled, "playback", viper.GetBool("audio.playback.enabled"), "Play decoded audio on an output device")
	cmd.Flags().StringVar(&settings.Audio.Playback.Device, "playbackdevice", viper.GetString("audio.playback.device"), "Playback device (name substring or ID, empty for default)")
	cmd.Flags().BoolVar(&settings.Audio.LevelMeter, "levelmeter", viper.GetBool("audio.levelmeter"), "Log audio level measurements")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

// runCapture wires the session together from settings and runs it until
// SIGINT or SIGTERM.
func runCapture(settings *conf.Settings) error {
	log := logging.ForService("capture-cmd")

	var sessionOpts []engine.Option
	if settings.Main.Log.Enabled {
		level := slog.LevelInfo
		if settings.Debug {
			level = slog.LevelDebug
		}
		fileLogger, closeLogger, err := logging.NewFileLogger(settings.Main.Log.Path, "engine", level)
		if err != nil {
			return fmt.Errorf("failed to open session log: %w", err)
		}
		defer closeLogger() //nolint:errcheck
		sessionOpts = append(sessionOpts, engine.WithLogger(fileLogger))
	}

	// The level meter taps raw capture chunks, before the codec round trip,
	// so it reads what the microphone hears.
	if settings.Audio.LevelMeter {
		levelMeter := sinks.NewLevelSink(levelLogInterval)
		sessionOpts = append(sessionOpts, engine.WithChunkTap(func(chunk []float32) {
			_ = levelMeter.Accept(chunk)
		}))
	}

	codecSession, err := codec.NewSession(conf.SampleRate, conf.NumChannels, conf.FrameSize,
		settings.Audio.Opus.Application, settings.Audio.Opus.Bitrate)
	if err != nil {
		return fmt.Errorf("failed to create codec: %w", err)
	}

	sinkList, closeSinks, err := buildSinks(settings)
	if err != nil {
		_ = codecSession.Close()
		return err
	}
	defer closeSinks()

	tap := capture.NewAudioTap(settings.Audio.Source,
		conf.SampleRate, conf.NumChannels, conf.ChunkFrames, settings.Debug)

	session, err := engine.NewSession(engine.Config{
		SampleRate:  conf.SampleRate,
		Channels:    conf.NumChannels,
		FrameSize:   conf.FrameSize,
		ChunkFrames: conf.ChunkFrames,
		SlotCount:   conf.SlotCount,
	}, codecSession, tap, sinkList, sessionOpts...)
	if err != nil {
		_ = codecSession.Close()
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := session.Start(); err != nil {
		_ = codecSession.Close()
		return fmt.Errorf("failed to start capture: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-quit:
			log.Info("shutting down", "signal", sig.String())
			return session.Stop()
		case <-ticker.C:
			stats := session.Stats()
			log.Info("session stats",
				"chunks_delivered", stats.ChunksDelivered,
				"chunks_dropped", stats.ChunksDropped,
				"frames_pumped", stats.FramesPumped,
				"frames_skipped", stats.FramesSkipped,
				"bytes_encoded", stats.BytesEncoded)
		}
	}
}

// buildSinks assembles the sink chain from settings. The returned closer
// tears down every sink that was built.
func buildSinks(settings *conf.Settings) ([]engine.FrameSink, func(), error) {
	var sinkList []engine.FrameSink

	closeAll := func() {
		log := logging.ForService("capture-cmd")
		for _, sink := range sinkList {
			if err := sink.Close(); err != nil {
				log.Error("failed to close sink", "sink", sink.Name(), "error", err)
			}
		}
	}

	if settings.Audio.Playback.Enabled {
		playback, err := sinks.NewPlaybackSink(settings.Audio.Playback.Device,
			conf.SampleRate, conf.NumChannels, conf.ChunkFrames)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to open playback: %w", err)
		}
		sinkList = append(sinkList, playback)
	}

	if settings.Audio.Export.Enabled {
		wavSink, err := sinks.NewWAVSink(settings.Audio.Export.Path,
			conf.SampleRate, conf.NumChannels)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to open export file: %w", err)
		}
		sinkList = append(sinkList, wavSink)
	}

	return sinkList, closeAll, nil
}
