package route

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sugawarayuuta/sonnet"
)

// Provider names accepted by Options.RoadProvider.
const (
	ProviderOSRM   = "osrm"
	ProviderGoogle = "google"
	ProviderNone   = "none"
)

// DefaultOSRMURL is the public OSRM demo server.
const DefaultOSRMURL = "https://router.project-osrm.org"

// DefaultGoogleURL is the Google Roads API endpoint.
const DefaultGoogleURL = "https://roads.googleapis.com"

const maxResponseBytes = 4 << 20

// getJSON fetches u and decodes the body into v.
func getJSON(ctx context.Context, client *http.Client, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(ErrProviderUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrap(ErrProviderUnavailable, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrProviderUnavailable, "HTTP %d", resp.StatusCode)
	}
	if err := sonnet.Unmarshal(body, v); err != nil {
		return errors.Wrapf(ErrProviderUnavailable, "decode response: %v", err)
	}
	return nil
}

// OSRM matches against an OSRM server's match service.
type OSRM struct {
	BaseURL string
	Profile string // default "driving"
	Client  *http.Client
}

type osrmResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Tracepoints []*struct {
		Location [2]float64 `json:"location"` // lon, lat
	} `json:"tracepoints"`
}

func (o *OSRM) Name() string { return ProviderOSRM }

func (o *OSRM) Match(ctx context.Context, samples []Sample) ([]SnappedPoint, error) {
	return matchBatched(ctx, samples, o.match)
}

func (o *OSRM) match(ctx context.Context, samples []Sample) ([]SnappedPoint, error) {
	base := o.BaseURL
	if base == "" {
		base = DefaultOSRMURL
	}
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}

	coords := make([]string, len(samples))
	stamps := make([]string, len(samples))
	for i, s := range samples {
		coords[i] = fmt.Sprintf("%.6f,%.6f", s.Longitude, s.Latitude)
		stamps[i] = strconv.FormatInt(s.Timestamp.Unix(), 10)
	}
	q := url.Values{}
	q.Set("overview", "false")
	q.Set("timestamps", strings.Join(stamps, ";"))
	u := fmt.Sprintf("%s/match/v1/%s/%s?%s", strings.TrimRight(base, "/"), profile, strings.Join(coords, ";"), q.Encode())

	var resp osrmResponse
	if err := getJSON(ctx, client(o.Client), u, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "Ok" {
		return nil, errors.Wrapf(ErrProviderUnavailable, "osrm: %s %s", resp.Code, resp.Message)
	}

	var out []SnappedPoint
	for i, tp := range resp.Tracepoints {
		if tp == nil || i >= len(samples) {
			continue
		}
		out = append(out, SnappedPoint{Index: i, Latitude: tp.Location[1], Longitude: tp.Location[0]})
	}
	return out, nil
}

// Google snaps with the Google Roads API. It needs an API key.
type Google struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type googleResponse struct {
	SnappedPoints []struct {
		Location struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
		OriginalIndex *int `json:"originalIndex"`
	} `json:"snappedPoints"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Google) Name() string { return ProviderGoogle }

func (g *Google) Match(ctx context.Context, samples []Sample) ([]SnappedPoint, error) {
	if g.APIKey == "" {
		return nil, errors.Wrap(ErrProviderUnavailable, "google: no API key")
	}
	return matchBatched(ctx, samples, g.match)
}

func (g *Google) match(ctx context.Context, samples []Sample) ([]SnappedPoint, error) {
	base := g.BaseURL
	if base == "" {
		base = DefaultGoogleURL
	}

	path := make([]string, len(samples))
	for i, s := range samples {
		path[i] = fmt.Sprintf("%.6f,%.6f", s.Latitude, s.Longitude)
	}
	q := url.Values{}
	q.Set("path", strings.Join(path, "|"))
	q.Set("interpolate", "false")
	q.Set("key", g.APIKey)
	u := strings.TrimRight(base, "/") + "/v1/snapToRoads?" + q.Encode()

	var resp googleResponse
	if err := getJSON(ctx, client(g.Client), u, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errors.Wrapf(ErrProviderUnavailable, "google: %d %s", resp.Error.Code, resp.Error.Message)
	}

	var out []SnappedPoint
	for _, p := range resp.SnappedPoints {
		// Without interpolation every point carries its input index.
		if p.OriginalIndex == nil || *p.OriginalIndex >= len(samples) {
			continue
		}
		out = append(out, SnappedPoint{
			Index:     *p.OriginalIndex,
			Latitude:  p.Location.Latitude,
			Longitude: p.Location.Longitude,
		})
	}
	return out, nil
}

func client(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}
