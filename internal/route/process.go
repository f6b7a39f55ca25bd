package route

import (
	"math"
	"time"
)

// Default thresholds.
const (
	DefaultMaxSpeedKmH     = 200.0
	DefaultSmallJumpMeters = 1000.0
	DefaultMaxGapMeters    = 500.0
	DefaultSmoothWindow    = 3
)

// Interpolation limits. A gap threshold below MinGapMeters is raised to it;
// one gap never receives more than MaxSyntheticPerGap points and one route
// never more than MaxSyntheticSamples. Past a limit, gaps stay wider than
// the threshold.
const (
	MinGapMeters        = 1.0
	MaxSyntheticPerGap  = 1000
	MaxSyntheticSamples = 10000
)

// FilterOutliers drops GPS glitches. Walking forward, a sample is kept when
// its distance from the last kept sample is below smallJumpMeters, or when
// the speed needed to cover that distance is below maxSpeedKmH. The first
// sample is always kept.
func FilterOutliers(samples []Sample, maxSpeedKmH, smallJumpMeters float64) []Sample {
	if len(samples) == 0 {
		return nil
	}
	out := make([]Sample, 0, len(samples))
	out = append(out, samples[0])
	last := samples[0]

	for _, s := range samples[1:] {
		d := DistanceMeters(last, s)
		if d < smallJumpMeters {
			out = append(out, s)
			last = s
			continue
		}
		dt := s.Timestamp.Sub(last.Timestamp).Hours()
		if dt <= 0 {
			continue
		}
		if (d/1000)/dt < maxSpeedKmH {
			out = append(out, s)
			last = s
		}
	}
	return out
}

// Interpolate inserts synthetic samples between consecutive samples more
// than maxGapMeters apart, evenly spaced in time, position and speed, so that
// no gap exceeds the threshold within the interpolation limits.
func Interpolate(samples []Sample, maxGapMeters float64) []Sample {
	if len(samples) == 0 {
		return nil
	}
	if maxGapMeters <= 0 {
		return append([]Sample(nil), samples...)
	}
	maxGapMeters = max(maxGapMeters, MinGapMeters)

	budget := MaxSyntheticSamples
	out := make([]Sample, 0, len(samples))
	for i, b := range samples {
		if i > 0 && budget > 0 {
			a := samples[i-1]
			d := DistanceMeters(a, b)
			if d > maxGapMeters {
				// Tolerate rounding noise on exact multiples of the gap.
				want := math.Ceil(d/maxGapMeters-1e-9) - 1
				n := int(min(want, MaxSyntheticPerGap, float64(budget)))
				budget -= n
				for k := 1; k <= n; k++ {
					out = append(out, lerp(a, b, float64(k)/float64(n+1)))
				}
			}
		}
		out = append(out, b)
	}
	return out
}

func lerp(a, b Sample, f float64) Sample {
	dt := b.Timestamp.Sub(a.Timestamp)
	return Sample{
		Latitude:  a.Latitude + (b.Latitude-a.Latitude)*f,
		Longitude: a.Longitude + (b.Longitude-a.Longitude)*f,
		Timestamp: a.Timestamp.Add(time.Duration(float64(dt) * f)),
		SpeedKmH:  a.SpeedKmH + (b.SpeedKmH-a.SpeedKmH)*f,
		Synthetic: true,
	}
}

// Smooth replaces each coordinate with the centered moving average over
// window samples. The window shrinks at the ends of the route; an even
// window is rounded up to the next odd size.
func Smooth(samples []Sample, window int) []Sample {
	out := append([]Sample(nil), samples...)
	if window <= 1 || len(samples) < 2 {
		return out
	}
	if window%2 == 0 {
		window++
	}
	half := window / 2

	for i := range samples {
		lo, hi := max(0, i-half), min(len(samples)-1, i+half)
		var lat, lon float64
		for j := lo; j <= hi; j++ {
			lat += samples[j].Latitude
			lon += samples[j].Longitude
		}
		n := float64(hi - lo + 1)
		out[i].Latitude = lat / n
		out[i].Longitude = lon / n
	}
	return out
}
