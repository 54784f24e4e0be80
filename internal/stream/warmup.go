package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// WarmupStats contains statistics from the stream warm-up phase
type WarmupStats struct {
	FramesReceived int
	Duration       time.Duration
	RateMean       float64
	RateStdDev     float64
	RateMin        float64
	RateMax        float64
	MeanInterval   time.Duration
	IsStable       bool
}

// FrameGetter is the minimal frame view warm-up needs
type FrameGetter interface {
	GetTimestamp() time.Time
	GetSeq() uint64
}

// PopFunc returns the next frame, or false if none arrived in time
type PopFunc func(ctx context.Context) (FrameGetter, bool)

// Warmup consumes frames for duration without processing them and measures
// the real sample rate from their capture timestamps
func Warmup(ctx context.Context, pop PopFunc, duration time.Duration) (*WarmupStats, error) {
	slog.Info("warming up csi stream",
		"duration", duration,
		"reason", "measure real sample rate before inference",
	)

	startTime := time.Now()
	frameTimes := make([]time.Time, 0, 128)

	warmupCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	for warmupCtx.Err() == nil {
		frame, ok := pop(warmupCtx)
		if !ok {
			continue
		}
		frameTimes = append(frameTimes, frame.GetTimestamp())
		slog.Debug("warm-up frame received", "seq", frame.GetSeq())
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	elapsed := time.Since(startTime)
	if len(frameTimes) < 2 {
		return nil, fmt.Errorf("not enough frames during warm-up (got %d)", len(frameTimes))
	}

	stats := CalculateRateStats(frameTimes, elapsed)

	slog.Info("csi stream warm-up complete",
		"frames", stats.FramesReceived,
		"duration", stats.Duration,
		"rate_mean", fmt.Sprintf("%.2f", stats.RateMean),
		"rate_stddev", fmt.Sprintf("%.2f", stats.RateStdDev),
		"rate_range", fmt.Sprintf("%.1f-%.1f", stats.RateMin, stats.RateMax),
		"stable", stats.IsStable,
	)

	if !stats.IsStable {
		slog.Warn("csi sample rate is unstable, gap detection may trigger spuriously",
			"rate_stddev", stats.RateStdDev,
		)
	}

	return stats, nil
}

// CalculateRateStats computes sample rate statistics from frame timestamps
func CalculateRateStats(frameTimes []time.Time, totalDuration time.Duration) *WarmupStats {
	n := len(frameTimes)

	var rateMean float64
	if span := frameTimes[n-1].Sub(frameTimes[0]).Seconds(); span > 0 {
		rateMean = float64(n-1) / span
	} else if totalDuration > 0 {
		rateMean = float64(n) / totalDuration.Seconds()
	}

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}

	stats := &WarmupStats{
		FramesReceived: n,
		Duration:       totalDuration,
		RateMean:       rateMean,
	}
	if rateMean > 0 {
		stats.MeanInterval = time.Duration(float64(time.Second) / rateMean)
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.RateMin, stats.RateMax = instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, r := range instantaneous {
		stats.RateMin = math.Min(stats.RateMin, r)
		stats.RateMax = math.Max(stats.RateMax, r)
		diff := r - rateMean
		sumSquares += diff * diff
	}
	stats.RateStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	// Stable if stddev < 15% of mean rate
	stats.IsStable = stats.RateStdDev < rateMean*0.15
	return stats
}

// GapThreshold returns the inter-frame interval above which consecutive
// frames are treated as discontinuous: factor times the mean interval.
// Zero disables gap detection.
func GapThreshold(stats *WarmupStats, factor float64) time.Duration {
	if stats == nil || stats.MeanInterval <= 0 || factor <= 0 {
		return 0
	}
	return time.Duration(float64(stats.MeanInterval) * factor)
}
