// Package sinks holds the output ends of the pipeline: consumers of decoded
// PCM frames implementing the engine's FrameSink contract.
package sinks

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tphakala/opustap/internal/logging"
)

// ComponentSinks identifies this package in error context.
const ComponentSinks = "sinks"

// LevelData holds one audio level measurement.
type LevelData struct {
	Level    int  // 0-100
	Clipping bool // true when samples hit full scale
}

// CalculateLevel computes the RMS of float32 samples and scales it to a
// 0-100 meter reading. Full scale is 1.0; samples at or beyond it count as
// clipping.
func CalculateLevel(samples []float32) LevelData {
	if len(samples) == 0 {
		return LevelData{}
	}

	var sum float64
	isClipping := false
	for _, s := range samples {
		abs := math.Abs(float64(s))
		sum += abs * abs
		if abs >= 1.0 {
			isClipping = true
		}
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	db := 20 * math.Log10(rms)

	// Scale -60..0 dBFS onto 0..100, biased so clipping reads near the top.
	scaledLevel := (db + 60) * (100.0 / 60.0)
	if isClipping {
		scaledLevel = math.Max(scaledLevel, 95)
	}
	if scaledLevel < 0 {
		scaledLevel = 0
	} else if scaledLevel > 100 {
		scaledLevel = 100
	}

	return LevelData{Level: int(scaledLevel), Clipping: isClipping}
}

// LevelSink meters decoded frames. It keeps the latest measurement for
// polling and logs it at a throttled interval.
type LevelSink struct {
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	latest  LevelData
	lastLog time.Time
}

// NewLevelSink creates a meter that logs at most once per interval. A zero
// interval disables logging; Level still tracks every frame.
func NewLevelSink(interval time.Duration) *LevelSink {
	return &LevelSink{
		log:      logging.ForService("sinks"),
		interval: interval,
	}
}

func (ls *LevelSink) Name() string { return "level" }

// Accept measures one frame. Never fails.
func (ls *LevelSink) Accept(frame []float32) error {
	data := CalculateLevel(frame)

	ls.mu.Lock()
	ls.latest = data
	shouldLog := ls.interval > 0 && time.Since(ls.lastLog) >= ls.interval
	if shouldLog {
		ls.lastLog = time.Now()
	}
	ls.mu.Unlock()

	if shouldLog {
		ls.log.Info("audio level", "level", data.Level, "clipping", data.Clipping)
	}
	return nil
}

// Level returns the most recent measurement.
func (ls *LevelSink) Level() LevelData {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.latest
}

func (ls *LevelSink) Close() error { return nil }
