package daemon

import (
	"log"
	"math"
	"sync"

	"github.com/msageha/camcore/internal/backend"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/params"
)

const (
	targetLuma   = 118.0
	minGain      = 1.0
	maxGain      = 64.0
	maxGainStep  = 2.0
	exposureUs   = 33000
	lumaDeadband = 4.0
)

type resultSink interface {
	SetResult(r params.Result)
}

type statsSource interface {
	LastStats() (backend.StatsEvent, bool)
}

// autoExposure is the "aiq" node: on each tick it reads the newest frame
// statistics and publishes sensor settings for the following sequence.
type autoExposure struct {
	store    resultSink
	stats    statsSource
	logger   *log.Logger
	logLevel model.LogLevel

	mu       sync.Mutex
	gain     float64
	lastSeen int64
	lastLuma float64
	computed uint64
}

func newAutoExposure(results resultSink, stats statsSource, logger *log.Logger, level model.LogLevel) *autoExposure {
	return &autoExposure{
		store:    results,
		stats:    stats,
		logger:   logger,
		logLevel: level,
		gain:     minGain,
		lastSeen: -1,
	}
}

// process computes settings for tick+1 from the latest statistics.
func (a *autoExposure) process(tick int64) error {
	ev, ok := a.stats.LastStats()

	a.mu.Lock()
	if ok && ev.Sequence != a.lastSeen {
		a.lastSeen = ev.Sequence
		a.lastLuma = ev.MeanLuma
		a.gain = nextGain(a.gain, ev.MeanLuma)
	}
	gain := a.gain
	a.computed++
	a.mu.Unlock()

	a.store.SetResult(params.Result{
		Sequence: tick + 1,
		Outputs:  map[string]float64{"total_gain": gain},
		Settings: params.Settings{
			AnalogGain:  math.Min(gain, 16),
			DigitalGain: gain / math.Min(gain, 16),
			ExposureUs:  exposureUs,
		},
	})
	a.log(model.LogLevelDebug, "tick=%d gain=%.2f", tick, gain)
	return nil
}

// publishStats is the "stats" node; it only reports the loop state.
func (a *autoExposure) publishStats(tick int64) error {
	a.mu.Lock()
	luma, gain := a.lastLuma, a.gain
	a.mu.Unlock()
	a.log(model.LogLevelDebug, "tick=%d luma=%.1f gain=%.2f", tick, luma, gain)
	return nil
}

// nextGain moves gain toward the target luma, at most maxGainStep per call
// in either direction and within [minGain, maxGain].
func nextGain(gain, luma float64) float64 {
	if luma <= 0 {
		return math.Min(gain*maxGainStep, maxGain)
	}
	if math.Abs(luma-targetLuma) <= lumaDeadband {
		return gain
	}
	ratio := targetLuma / luma
	ratio = math.Max(1/maxGainStep, math.Min(maxGainStep, ratio))
	return math.Max(minGain, math.Min(maxGain, gain*ratio))
}

type AIQStats struct {
	Gain     float64 `yaml:"gain" json:"gain"`
	LastLuma float64 `yaml:"last_luma" json:"last_luma"`
	Computed uint64  `yaml:"computed" json:"computed"`
}

func (a *autoExposure) Stats() AIQStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AIQStats{Gain: a.gain, LastLuma: a.lastLuma, Computed: a.computed}
}

func (a *autoExposure) log(level model.LogLevel, format string, args ...any) {
	model.Logf(a.logger, a.logLevel, level, "aiq", format, args...)
}
