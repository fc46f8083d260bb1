// Package zone aggregates member device state into per-zone summaries.
package zone

import (
	"sort"

	"github.com/dokzlo13/thermd/internal/device"
)

// Directory is the device/zone lookup the aggregator reads.
type Directory interface {
	Zone(id int64) (device.Zone, bool)
	Zones() []device.Zone
	ZoneDevices(zoneID int64) []device.Device
}

// States supplies device state. Effective includes live predictions; Real
// is confirmed state only.
type States interface {
	Real(deviceID int64) device.State
	Effective(deviceID int64) device.State
}

// Summary is the zone-level view of its leader and members.
type Summary struct {
	ZoneID          int64       `json:"zone_id"`
	UUID            string      `json:"uuid"`
	Name            string      `json:"name"`
	OrderIndex      *int        `json:"order_id,omitempty"`
	LeaderDeviceID  *int64      `json:"leader_device_id,omitempty"`
	LeaderSerial    string      `json:"leader_serial,omitempty"`
	LeaderType      device.Type `json:"leader_type,omitempty"`
	IsCircuitDriver bool        `json:"is_circuit_driver"`
	DeviceCount     int         `json:"device_count"`

	CurrentTemperature  *float64 `json:"cur_temp_c,omitempty"`
	CurrentTemperatureF *float64 `json:"cur_temp_f,omitempty"`
	TargetTemperature   *float64 `json:"target_temp_c,omitempty"`
	TargetTemperatureF  *float64 `json:"target_temp_f,omitempty"`
	Humidity            *float64 `json:"hum_perc,omitempty"`
	Mode                int      `json:"mode"`
	CurrentlyHeating    bool     `json:"heating"`
	CurHeating          int      `json:"cur_heating"`
}

// Aggregator computes zone summaries on demand.
type Aggregator struct {
	dir    Directory
	states States
}

// New creates an aggregator.
func New(dir Directory, states States) *Aggregator {
	return &Aggregator{dir: dir, states: states}
}

// Leader returns the device that represents the zone: the assigned leader
// if it is a member, otherwise the member with the lowest id.
func (a *Aggregator) Leader(zoneID int64) (device.Device, bool) {
	z, ok := a.dir.Zone(zoneID)
	if !ok {
		return device.Device{}, false
	}
	return leaderOf(z, a.dir.ZoneDevices(zoneID))
}

func leaderOf(z device.Zone, members []device.Device) (device.Device, bool) {
	if z.LeaderDeviceID != nil {
		for _, d := range members {
			if d.ID == *z.LeaderDeviceID {
				return d, true
			}
		}
	}
	if len(members) == 0 {
		return device.Device{}, false
	}
	return members[0], true
}

// Summarize returns the summary of one zone. The second result is false only
// when the zone does not exist; a zone without state yields an empty summary.
func (a *Aggregator) Summarize(zoneID int64) (Summary, bool) {
	z, ok := a.dir.Zone(zoneID)
	if !ok {
		return Summary{}, false
	}
	return a.summarize(z), true
}

// SummarizeAll returns every zone ordered by order index, unordered zones
// last, then by name.
func (a *Aggregator) SummarizeAll() []Summary {
	zones := a.dir.Zones()
	sort.Slice(zones, func(i, j int) bool {
		oi, oj := orderKey(zones[i].OrderIndex), orderKey(zones[j].OrderIndex)
		if oi != oj {
			return oi < oj
		}
		return zones[i].Name < zones[j].Name
	})

	out := make([]Summary, 0, len(zones))
	for _, z := range zones {
		out = append(out, a.summarize(z))
	}
	return out
}

func orderKey(o *int) int {
	if o == nil {
		return 999
	}
	return *o
}

func (a *Aggregator) summarize(z device.Zone) Summary {
	members := a.dir.ZoneDevices(z.ID)
	s := Summary{
		ZoneID:      z.ID,
		UUID:        z.UUID,
		Name:        z.Name,
		OrderIndex:  z.OrderIndex,
		DeviceCount: len(members),
	}

	leader, ok := leaderOf(z, members)
	if !ok {
		return s
	}
	id := leader.ID
	s.LeaderDeviceID = &id
	s.LeaderSerial = leader.Serial
	s.LeaderType = leader.Type
	s.IsCircuitDriver = leader.IsCircuitDriver

	eff := a.states.Effective(leader.ID)
	if eff.IsEmpty() {
		// Leader has not reported yet; borrow the first member that has
		for _, d := range members {
			if st := a.states.Effective(d.ID); !st.IsEmpty() {
				eff = st
				break
			}
		}
	}
	s.CurrentTemperature = copyFloat(eff.CurrentTemperature)
	s.TargetTemperature = copyFloat(eff.TargetTemperature)
	s.Humidity = copyFloat(eff.Humidity)
	if s.CurrentTemperature != nil {
		f := device.CelsiusToFahrenheit(*s.CurrentTemperature)
		s.CurrentTemperatureF = &f
	}
	if s.TargetTemperature != nil {
		f := device.CelsiusToFahrenheit(*s.TargetTemperature)
		s.TargetTemperatureF = &f
	}
	if eff.TargetHeatingCoolingState != nil {
		s.Mode = *eff.TargetHeatingCoolingState
	}

	s.CurrentlyHeating = eff.Heating()
	if leader.IsCircuitDriver {
		var others []device.Device
		for _, d := range members {
			if d.ID != leader.ID && !d.IsCircuitDriver {
				others = append(others, d)
			}
		}
		if len(others) > 0 {
			s.CurrentlyHeating = false
			for _, d := range others {
				if a.states.Real(d.ID).Heating() {
					s.CurrentlyHeating = true
					break
				}
			}
		}
	}
	if s.CurrentlyHeating {
		s.CurHeating = 1
	}
	return s
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
