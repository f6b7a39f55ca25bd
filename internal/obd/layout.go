package obd

import "strings"

// DistanceUnit names the unit of the raw trip distance counters.
type DistanceUnit string

const (
	// UnitUnknown leaves the km fields unset.
	UnitUnknown DistanceUnit = ""
	// UnitMeters reports raw meters.
	UnitMeters DistanceUnit = "meters"
	// UnitMilliMiles reports thousandths of a statute mile.
	UnitMilliMiles DistanceUnit = "milli_miles"
)

// Km converts a raw counter to kilometers. ok is false for unknown units.
func (u DistanceUnit) Km(raw uint32) (km float64, ok bool) {
	switch u {
	case UnitMeters:
		return float64(raw) / 1000, true
	case UnitMilliMiles:
		return float64(raw) * 1609.344 / 1e6, true
	default:
		return 0, false
	}
}

// Valid reports whether u is one of the known units.
func (u DistanceUnit) Valid() bool {
	switch u {
	case UnitUnknown, UnitMeters, UnitMilliMiles:
		return true
	}
	return false
}

// Hemisphere selects how coordinate signs are derived.
type Hemisphere string

const (
	// HemisphereStatus takes south/west from bits 2 and 3 of the GPS status byte.
	HemisphereStatus Hemisphere = "status"
	// HemisphereSigned trusts the sign of the raw integers.
	HemisphereSigned Hemisphere = "signed"
)

// Layout describes the variable parts of a payload for one firmware family.
// Layouts are data: new variants are added through configuration.
type Layout struct {
	Name string `yaml:"name" json:"name"`

	// Match keys. Zero values match anything.
	ProtocolID   uint16 `yaml:"protocol_id" json:"protocolId"`
	Version      *int   `yaml:"version" json:"version,omitempty"`
	DevicePrefix string `yaml:"device_prefix" json:"devicePrefix"`

	// StateWidth is the byte width (0-4) of the vehicle state bitfield
	// between the fuel level and the GPS block.
	StateWidth   int          `yaml:"state_width" json:"stateWidth"`
	Satellites   bool         `yaml:"satellites" json:"satellites"` // separate satellite count byte
	Hemisphere   Hemisphere   `yaml:"hemisphere" json:"hemisphere"`
	DistanceUnit DistanceUnit `yaml:"distance_unit" json:"distanceUnit"`
}

// DefaultLayout is used when no configured layout matches. Its distance
// unit is unknown on purpose.
func DefaultLayout() Layout {
	return Layout{
		Name:       "default",
		StateWidth: 4,
		Satellites: true,
		Hemisphere: HemisphereStatus,
	}
}

func (l Layout) score(protocolID uint16, version uint8, deviceID string) (int, bool) {
	s := 0
	if l.ProtocolID != 0 {
		if l.ProtocolID != protocolID {
			return 0, false
		}
		s++
	}
	if l.Version != nil {
		if *l.Version != int(version) {
			return 0, false
		}
		s += 10
	}
	if l.DevicePrefix != "" {
		if !strings.HasPrefix(deviceID, l.DevicePrefix) {
			return 0, false
		}
		s += 100 + len(l.DevicePrefix)
	}
	return s, true
}

// LayoutTable selects a layout per (protocol id, device prefix | version).
type LayoutTable struct {
	layouts  []Layout
	fallback Layout
}

// NewLayoutTable builds a table. Earlier layouts win ties.
func NewLayoutTable(layouts ...Layout) *LayoutTable {
	t := &LayoutTable{fallback: DefaultLayout()}
	for _, l := range layouts {
		if l.Hemisphere == "" {
			l.Hemisphere = HemisphereStatus
		}
		if l.StateWidth < 0 {
			l.StateWidth = 0
		}
		if l.StateWidth > 4 {
			l.StateWidth = 4
		}
		t.layouts = append(t.layouts, l)
	}
	return t
}

// Select returns the most specific matching layout: a device prefix match
// (longest first) beats a version match, which beats a protocol-only match.
func (t *LayoutTable) Select(protocolID uint16, version uint8, deviceID string) Layout {
	best, bestScore := t.fallback, -1
	for _, l := range t.layouts {
		s, ok := l.score(protocolID, version, deviceID)
		if ok && s > bestScore {
			best, bestScore = l, s
		}
	}
	return best
}

// Len returns the number of configured layouts.
func (t *LayoutTable) Len() int { return len(t.layouts) }
