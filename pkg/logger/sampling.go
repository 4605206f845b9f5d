package logger

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SamplingConfig configures log sampling behavior.
// Sampling helps reduce log volume in high-traffic production environments.
type SamplingConfig struct {
	// Enabled turns sampling on/off (default: false)
	Enabled bool

	// Tick is the sampling interval; counters reset after each tick
	// (default: 1 second)
	Tick time.Duration

	// Threshold is the number of identical logs allowed per tick before
	// sampling kicks in (default: 100)
	Threshold uint64

	// Rate is the sampling rate after threshold is reached [0.0, 1.0]
	// (default: 0.1)
	Rate float64

	// ErrorRate is the sampling rate for warn/error level logs [0.0, 1.0]
	// (default: 1.0)
	ErrorRate float64

	// MaxCounterSize limits the number of unique message keys to track
	// (default: 10000)
	MaxCounterSize int

	// NeverSampleMessages are message prefixes that are always logged,
	// e.g. []string{"security:", "audit:"}
	NeverSampleMessages []string

	// OnDropped is called when a log is dropped (optional).
	// Protected against panics.
	OnDropped func(ctx context.Context, record slog.Record)
}

// Default values for sampling configuration
const (
	DefaultSamplingTick           = time.Second
	DefaultSamplingThreshold      = 100
	DefaultSamplingRate           = 0.1
	DefaultSamplingErrorRate      = 1.0
	DefaultSamplingMaxCounterSize = 10000
)

// DefaultSamplingConfig returns sensible defaults for production.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Enabled:        false,
		Tick:           DefaultSamplingTick,
		Threshold:      DefaultSamplingThreshold,
		Rate:           DefaultSamplingRate,
		ErrorRate:      DefaultSamplingErrorRate,
		MaxCounterSize: DefaultSamplingMaxCounterSize,
	}
}

// samplingHandler wraps another handler with sampling logic.
type samplingHandler struct {
	handler     slog.Handler
	config      SamplingConfig
	counters    sync.Map // map[string]*counter
	counterSize atomic.Int64
	lastReset   atomic.Int64
}

type counter struct {
	count atomic.Uint64
}

// NewSamplingHandler creates a handler that samples logs based on config.
//
// The first Threshold logs with the same level+message per tick pass
// through unchanged; after that they are sampled at Rate (ErrorRate for
// warn and above). Messages matching a NeverSampleMessages prefix always
// pass through.
func NewSamplingHandler(h slog.Handler, cfg SamplingConfig) slog.Handler {
	if !cfg.Enabled {
		return h
	}

	if cfg.Tick == 0 {
		cfg.Tick = DefaultSamplingTick
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultSamplingThreshold
	}
	if cfg.MaxCounterSize == 0 {
		cfg.MaxCounterSize = DefaultSamplingMaxCounterSize
	}

	sh := &samplingHandler{
		handler: h,
		config:  cfg,
	}
	sh.lastReset.Store(time.Now().UnixNano())

	return sh
}

func (h *samplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *samplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.shouldNeverSample(r.Message) {
		return h.handler.Handle(ctx, r)
	}

	h.maybeResetCounters()

	key := r.Level.String() + ":" + r.Message

	// Counter size limit prevents unbounded growth with many unique messages
	if h.counterSize.Load() >= int64(h.config.MaxCounterSize) {
		return h.handler.Handle(ctx, r)
	}

	val, loaded := h.counters.LoadOrStore(key, &counter{})
	if !loaded {
		h.counterSize.Add(1)
	}
	cnt := val.(*counter)
	count := cnt.count.Add(1)

	if count <= h.config.Threshold {
		return h.handler.Handle(ctx, r)
	}

	rate := h.config.Rate
	if r.Level >= slog.LevelWarn {
		rate = h.config.ErrorRate
	}

	if shouldSample(count, rate) {
		return h.handler.Handle(ctx, r)
	}

	h.onDropped(ctx, r)

	return nil
}

func (h *samplingHandler) shouldNeverSample(message string) bool {
	for _, prefix := range h.config.NeverSampleMessages {
		if strings.HasPrefix(message, prefix) {
			return true
		}
	}
	return false
}

// onDropped safely calls the OnDropped callback with panic protection.
func (h *samplingHandler) onDropped(ctx context.Context, r slog.Record) {
	if h.config.OnDropped == nil {
		return
	}

	defer func() {
		_ = recover()
	}()

	h.config.OnDropped(ctx, r)
}

func (h *samplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &samplingHandler{
		handler: h.handler.WithAttrs(attrs),
		config:  h.config,
	}
}

func (h *samplingHandler) WithGroup(name string) slog.Handler {
	return &samplingHandler{
		handler: h.handler.WithGroup(name),
		config:  h.config,
	}
}

// shouldSample decides deterministically based on count so sampling is
// consistent across instances.
func shouldSample(count uint64, rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}

	interval := uint64(1.0 / rate)
	return count%interval == 0
}

func (h *samplingHandler) maybeResetCounters() {
	now := time.Now().UnixNano()
	last := h.lastReset.Load()
	tick := h.config.Tick.Nanoseconds()

	if now-last >= tick {
		if h.lastReset.CompareAndSwap(last, now) {
			h.counters.Range(func(key, _ any) bool {
				h.counters.Delete(key)
				return true
			})
			h.counterSize.Store(0)
		}
	}
}
