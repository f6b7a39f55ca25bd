package hub

import (
	"sort"
	"sync"
	"time"
)

// DeviceStatus is the liveness view of one device.
type DeviceStatus struct {
	DeviceID    string    `json:"deviceId"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	Connections int       `json:"connections"`
	Frames      uint64    `json:"frames"`
	Remote      string    `json:"remote,omitempty"` // most recent peer
}

// Online reports whether the device has an open connection.
func (d DeviceStatus) Online() bool { return d.Connections > 0 }

type connState struct {
	remote   string
	deviceID string
	opened   time.Time
}

// Registry is a read model built from connection lifecycle events.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*connState
	devices map[string]*DeviceStatus
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]*connState),
		devices: make(map[string]*DeviceStatus),
	}
}

// Connected records an accepted connection whose device is not known yet.
func (r *Registry) Connected(connID, remote string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &connState{remote: remote, opened: at}
}

// Seen records a decoded frame on connID. The first call binds the
// connection to deviceID; a different id later rebinds it.
func (r *Registry) Seen(connID, deviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	if c.deviceID != deviceID {
		if c.deviceID != "" {
			if old := r.devices[c.deviceID]; old != nil && old.Connections > 0 {
				old.Connections--
			}
		}
		c.deviceID = deviceID
		d := r.device(deviceID, at)
		d.Connections++
	}

	d := r.devices[deviceID]
	d.LastSeen = at
	d.Frames++
	d.Remote = c.remote
}

// Disconnected records the end of a connection.
func (r *Registry) Disconnected(connID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if d := r.devices[c.deviceID]; d != nil && d.Connections > 0 {
		d.Connections--
	}
}

func (r *Registry) device(id string, at time.Time) *DeviceStatus {
	d, ok := r.devices[id]
	if !ok {
		d = &DeviceStatus{DeviceID: id, FirstSeen: at, LastSeen: at}
		r.devices[id] = d
	}
	return d
}

// Device returns the status of one device.
func (r *Registry) Device(id string) (DeviceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return DeviceStatus{}, false
	}
	return *d, true
}

// Devices returns every known device, sorted by id.
func (r *Registry) Devices() []DeviceStatus {
	r.mu.RLock()
	out := make([]DeviceStatus, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Connections is the number of open connections, bound or not.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
