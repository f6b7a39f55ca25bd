package route

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrProviderUnavailable is returned by a Provider that could not produce a
// match: network failure, bad status, unusable response or missing
// credentials.
var ErrProviderUnavailable = errors.New("route: road provider unavailable")

// MaxBatch is the largest number of points sent in one provider request.
const MaxBatch = 100

// SnappedPoint is a matched road position for the input sample at Index.
type SnappedPoint struct {
	Index     int
	Latitude  float64
	Longitude float64
}

// Provider is an external map-matching service.
type Provider interface {
	Name() string
	// Match returns road positions for samples, indexed into samples.
	// Inputs that could not be matched may be missing from the result.
	Match(ctx context.Context, samples []Sample) ([]SnappedPoint, error)
}

// Snapper runs a chain of providers, each under its own timeout.
type Snapper struct {
	providers map[string]Provider
	order     []string
	timeout   time.Duration
	observe   func(provider string, took time.Duration, err error)
}

// SnapperOption configures a Snapper.
type SnapperOption func(*Snapper)

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) SnapperOption {
	return func(s *Snapper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithObserver is called after every provider attempt.
func WithObserver(fn func(provider string, took time.Duration, err error)) SnapperOption {
	return func(s *Snapper) { s.observe = fn }
}

// NewSnapper creates a Snapper trying providers in the given order.
func NewSnapper(providers []Provider, opts ...SnapperOption) *Snapper {
	s := &Snapper{
		providers: make(map[string]Provider, len(providers)),
		timeout:   10 * time.Second,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
		s.order = append(s.order, p.Name())
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Providers returns the provider names in default order.
func (s *Snapper) Providers() []string { return append([]string(nil), s.order...) }

// chain puts preferred first, followed by the rest in default order.
func (s *Snapper) chain(preferred string) []Provider {
	out := make([]Provider, 0, len(s.order))
	if p, ok := s.providers[preferred]; ok {
		out = append(out, p)
	}
	for _, name := range s.order {
		if name != preferred {
			out = append(out, s.providers[name])
		}
	}
	return out
}

// Snap replaces sample coordinates with road geometry from the first
// provider that succeeds, starting with preferred. Timestamps and speeds are
// kept. When every provider fails the input is returned unchanged with
// matched=false.
func (s *Snapper) Snap(ctx context.Context, samples []Sample, preferred string) (out []Sample, matched bool) {
	if len(samples) == 0 {
		return samples, false
	}

	for _, p := range s.chain(preferred) {
		points, err := s.try(ctx, p, samples)
		if err != nil {
			log.WithField("provider", p.Name()).Warnf("[route] snap failed: %v", err)
			continue
		}
		return applySnap(samples, points), true
	}
	return samples, false
}

func (s *Snapper) try(ctx context.Context, p Provider, samples []Sample) ([]SnappedPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	points, err := p.Match(ctx, samples)
	if err == nil && len(points) == 0 {
		err = errors.Wrap(ErrProviderUnavailable, "no matched points")
	}
	if s.observe != nil {
		s.observe(p.Name(), time.Since(start), err)
	}
	return points, err
}

// applySnap gives every sample the coordinates of the snapped point whose
// index is nearest its own; ties go to the earlier point.
func applySnap(samples []Sample, points []SnappedPoint) []Sample {
	points = append([]SnappedPoint(nil), points...)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Index < points[j].Index })

	out := append([]Sample(nil), samples...)
	for i := range out {
		k := sort.Search(len(points), func(j int) bool { return points[j].Index >= i })
		switch {
		case k == len(points):
			k--
		case k > 0 && i-points[k-1].Index <= points[k].Index-i:
			k--
		}
		out[i].Latitude = points[k].Latitude
		out[i].Longitude = points[k].Longitude
	}
	return out
}

// matchBatched calls fn for consecutive batches of at most MaxBatch samples
// and offsets the returned indices back into samples.
func matchBatched(ctx context.Context, samples []Sample, fn func(context.Context, []Sample) ([]SnappedPoint, error)) ([]SnappedPoint, error) {
	var out []SnappedPoint
	for start := 0; start < len(samples); start += MaxBatch {
		end := min(start+MaxBatch, len(samples))
		points, err := fn(ctx, samples[start:end])
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d-%d", start, end)
		}
		for _, p := range points {
			p.Index += start
			out = append(out, p)
		}
	}
	return out, nil
}
