package route

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SampleSource returns a device's samples within [from, to], ordered by
// time. A zero from or to leaves that end open.
type SampleSource interface {
	Samples(ctx context.Context, deviceID string, from, to time.Time) ([]Sample, error)
}

// Options selects the processing steps for one query.
type Options struct {
	FilterOutliers           bool    `yaml:"filter_outliers" json:"filterOutliers"`
	MaxOutlierSpeedKmH       float64 `yaml:"max_outlier_speed_kmh" json:"maxOutlierSpeedKmH"`
	MaxOutlierDistanceMeters float64 `yaml:"max_outlier_distance_meters" json:"maxOutlierDistanceMeters"` // small-jump threshold
	Interpolate              bool    `yaml:"interpolate" json:"interpolate"`
	MaxGapMeters             float64 `yaml:"max_gap_meters" json:"maxGapMeters"`
	Smooth                   bool    `yaml:"smooth" json:"smooth"`
	SmoothWindow             int     `yaml:"smooth_window" json:"smoothWindow"`
	SnapToRoad               bool    `yaml:"snap_to_road" json:"snapToRoad"`
	RoadProvider             string  `yaml:"road_provider" json:"roadProvider"`
}

// DefaultOptions enables every local step and leaves snapping off.
func DefaultOptions() Options {
	return Options{
		FilterOutliers:           true,
		MaxOutlierSpeedKmH:       DefaultMaxSpeedKmH,
		MaxOutlierDistanceMeters: DefaultSmallJumpMeters,
		Interpolate:              true,
		MaxGapMeters:             DefaultMaxGapMeters,
		Smooth:                   true,
		SmoothWindow:             DefaultSmoothWindow,
		SnapToRoad:               false,
		RoadProvider:             ProviderOSRM,
	}
}

// normalize fills unset thresholds with defaults and raises the gap
// threshold to MinGapMeters.
func (o Options) normalize() Options {
	if o.MaxOutlierSpeedKmH <= 0 {
		o.MaxOutlierSpeedKmH = DefaultMaxSpeedKmH
	}
	if o.MaxOutlierDistanceMeters <= 0 {
		o.MaxOutlierDistanceMeters = DefaultSmallJumpMeters
	}
	if o.MaxGapMeters <= 0 {
		o.MaxGapMeters = DefaultMaxGapMeters
	}
	o.MaxGapMeters = max(o.MaxGapMeters, MinGapMeters)
	if o.SmoothWindow <= 0 {
		o.SmoothWindow = DefaultSmoothWindow
	}
	if o.RoadProvider == "" {
		o.RoadProvider = ProviderOSRM
	}
	return o
}

// Result is a processed route.
type Result struct {
	Samples       []Sample `json:"samples"`
	MatchedToRoad bool     `json:"matchedToRoad"`
}

// Process runs the local steps enabled in opts.
func Process(samples []Sample, opts Options) []Sample {
	opts = opts.normalize()
	out := samples
	if opts.FilterOutliers {
		out = FilterOutliers(out, opts.MaxOutlierSpeedKmH, opts.MaxOutlierDistanceMeters)
	}
	if opts.Interpolate {
		out = Interpolate(out, opts.MaxGapMeters)
	}
	if opts.Smooth {
		out = Smooth(out, opts.SmoothWindow)
	}
	if out == nil {
		out = []Sample{}
	}
	return out
}

// Service answers route queries.
type Service struct {
	source  SampleSource
	snapper *Snapper
}

// NewService creates a Service. snapper may be nil, which disables snapping.
func NewService(source SampleSource, snapper *Snapper) *Service {
	return &Service{source: source, snapper: snapper}
}

// GetProcessedRoute loads a device's samples and processes them. Provider
// failures never surface here: the locally processed route is returned with
// MatchedToRoad false. Only a storage error is returned.
func (s *Service) GetProcessedRoute(ctx context.Context, deviceID string, from, to time.Time, opts Options) (Result, error) {
	samples, err := s.source.Samples(ctx, deviceID, from, to)
	if err != nil {
		return Result{}, errors.Wrapf(err, "load samples for %s", deviceID)
	}

	opts = opts.normalize()
	processed := Process(samples, opts)
	res := Result{Samples: processed}

	if opts.SnapToRoad && opts.RoadProvider != ProviderNone && s.snapper != nil && len(processed) > 0 {
		res.Samples, res.MatchedToRoad = s.snapper.Snap(ctx, processed, opts.RoadProvider)
	}

	log.WithFields(log.Fields{
		"device":  deviceID,
		"raw":     len(samples),
		"out":     len(res.Samples),
		"matched": res.MatchedToRoad,
	}).Debug("[route] processed")
	return res, nil
}
