package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/sugawarayuuta/sonnet"

	"github.com/shaunagostinho/obdtrack/internal/hub"
	"github.com/shaunagostinho/obdtrack/internal/obd"
	"github.com/shaunagostinho/obdtrack/internal/route"
)

const (
	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000
	wsWriteTimeout       = 10 * time.Second
)

// ReadingSource returns stored readings of one device, newest first.
type ReadingSource interface {
	Readings(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*obd.Reading, error)
}

// Deps are the components the HTTP surface reads from.
type Deps struct {
	Hub      *hub.Hub
	Registry *hub.Registry
	Routes   *route.Service
	Readings ReadingSource
	Gatherer prometheus.Gatherer
}

// Server exposes the live monitor websocket, the device and route queries,
// the config API and the metrics endpoint.
type Server struct {
	cfg  *Config
	deps Deps

	upgrader websocket.Upgrader
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Reading *obd.Reading       `json:"reading,omitempty"`
	Devices []hub.DeviceStatus `json:"devices,omitempty"`
	Lossy   bool               `json:"lossy,omitempty"` // readings were dropped for this client
	Stamp   int64              `json:"stamp"`           // Unix ms
}

// New creates a new Server.
func New(cfg *Config, deps Deps) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Live monitor
	mux.HandleFunc("GET /ws", s.handleWS)

	// Devices and routes
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/devices/{id}", s.handleDevice)
	mux.HandleFunc("GET /api/devices/{id}/route", s.handleRoute)
	mux.HandleFunc("GET /api/devices/{id}/readings", s.handleReadings)
	mux.HandleFunc("GET /api/subscribers", s.handleSubscribers)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run serves HTTP on addr until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Infof("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var opts []hub.SubscribeOption
	if device := r.URL.Query().Get("device"); device != "" {
		opts = append(opts, hub.WithDevice(device))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[ws] upgrade error: %v", err)
		return
	}

	sub := s.deps.Hub.Subscribe("ws:"+r.RemoteAddr, 0, opts...)
	log.Infof("[ws] client %s connected (%d subscribers)", r.RemoteAddr, s.deps.Hub.Len())

	ctx, cancel := context.WithCancel(context.Background())

	// Reader goroutine: detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer goroutine
	go func() {
		defer func() {
			cancel()
			sub.Close()
			conn.Close()
			log.Infof("[ws] client %s disconnected (dropped %d)", r.RemoteAddr, sub.Dropped())
		}()

		if s.deps.Registry != nil {
			if err := s.writeFrame(conn, Frame{Devices: s.deps.Registry.Devices()}); err != nil {
				return
			}
		}
		for {
			reading, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			if err := s.writeFrame(conn, Frame{Reading: reading, Lossy: sub.Lossy()}); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeFrame(conn *websocket.Conn, f Frame) error {
	f.Stamp = time.Now().UnixMilli()
	data, err := sonnet.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Devices())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deps.Registry.Device(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Hub.Subscribers())
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts, err := parseRouteOptions(q.Get, s.cfg.RouteDefaults())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.deps.Routes.GetProcessedRoute(r.Context(), r.PathValue("id"), from, to, opts)
	if err != nil {
		log.Errorf("[route] %s: %v", r.PathValue("id"), err)
		http.Error(w, "route query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := defaultReadingsLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	limit = min(limit, maxReadingsLimit)

	readings, err := s.deps.Readings.Readings(r.Context(), r.PathValue("id"), from, to, limit)
	if err != nil {
		log.Errorf("[readings] %s: %v", r.PathValue("id"), err)
		http.Error(w, "readings query failed", http.StatusInternalServerError)
		return
	}
	if readings == nil {
		readings = []*obd.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Errorf("[config] save failed: %v", err)
		}
		// Route defaults apply to the next query; listeners and stores
		// pick up their sections on restart.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// parseTime accepts RFC 3339 or Unix seconds. Empty means unbounded.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid time %q: use RFC 3339 or Unix seconds", v)
	}
	return t, nil
}

func parseWindow(fromStr, toStr string) (from, to time.Time, err error) {
	if from, err = parseTime(fromStr); err != nil {
		return
	}
	if to, err = parseTime(toStr); err != nil {
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		err = errors.New("to is before from")
	}
	return
}

// parseRouteOptions overlays query parameters on defaults.
func parseRouteOptions(get func(string) string, opts route.Options) (route.Options, error) {
	bools := []struct {
		name string
		dst  *bool
	}{
		{"filterOutliers", &opts.FilterOutliers},
		{"interpolate", &opts.Interpolate},
		{"smooth", &opts.Smooth},
		{"snapToRoad", &opts.SnapToRoad},
	}
	for _, b := range bools {
		if v := get(b.name); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return opts, errors.Errorf("%s: %q is not a boolean", b.name, v)
			}
			*b.dst = parsed
		}
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"maxOutlierSpeedKmH", &opts.MaxOutlierSpeedKmH},
		{"maxOutlierDistanceMeters", &opts.MaxOutlierDistanceMeters},
		{"maxGapMeters", &opts.MaxGapMeters},
	}
	for _, f := range floats {
		if v := get(f.name); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil || parsed <= 0 {
				return opts, errors.Errorf("%s: %q is not a positive number", f.name, v)
			}
			*f.dst = parsed
		}
	}
	if opts.MaxGapMeters > 0 {
		opts.MaxGapMeters = max(opts.MaxGapMeters, route.MinGapMeters)
	}

	if v := get("smoothWindow"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, errors.Errorf("smoothWindow: %q is not a positive integer", v)
		}
		opts.SmoothWindow = n
	}
	if v := get("roadProvider"); v != "" {
		switch v {
		case route.ProviderOSRM, route.ProviderGoogle, route.ProviderNone:
			opts.RoadProvider = v
		default:
			return opts, errors.Errorf("roadProvider: %q is not osrm, google or none", v)
		}
	}
	return opts, nil
}
