// Package registry maps serial numbers and accessory ids to devices and
// devices to zones. The database is the source of truth; lookups are served
// from an in-memory copy.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/ledger"
)

// Auditor records identity changes.
type Auditor interface {
	Append(ctx context.Context, eventType ledger.EventType, deviceID int64, source string, payload map[string]any) error
}

// Sighting is what the accessory link reports about a device.
type Sighting struct {
	Serial       string
	AID          int64
	Type         device.Type
	Name         string
	Model        string
	Manufacturer string
}

// Registry is the device and zone directory.
type Registry struct {
	db    *sql.DB
	audit Auditor
	now   func() time.Time

	mu       sync.RWMutex
	devices  map[int64]*device.Device
	bySerial map[string]int64
	byAID    map[int64]int64
	zones    map[int64]*device.Zone
}

// New creates a registry. audit may be nil.
func New(db *sql.DB, audit Auditor) *Registry {
	return &Registry{
		db:       db,
		audit:    audit,
		now:      time.Now,
		devices:  make(map[int64]*device.Device),
		bySerial: make(map[string]int64),
		byAID:    make(map[int64]int64),
		zones:    make(map[int64]*device.Zone),
	}
}

// Load reads all zones and devices into memory.
func (r *Registry) Load(ctx context.Context) error {
	zones, err := r.loadZones(ctx)
	if err != nil {
		return err
	}
	devices, err := r.loadDevices(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones = zones
	r.devices = make(map[int64]*device.Device, len(devices))
	r.bySerial = make(map[string]int64, len(devices))
	r.byAID = make(map[int64]int64, len(devices))
	for _, d := range devices {
		r.index(d)
	}

	log.Info().Int("zones", len(zones)).Int("devices", len(devices)).Msg("Loaded device registry")
	return nil
}

func (r *Registry) loadZones(ctx context.Context) (map[int64]*device.Zone, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT zone_id, uuid, name, leader_device_id, order_id FROM zones`)
	if err != nil {
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}
	defer rows.Close()

	zones := make(map[int64]*device.Zone)
	for rows.Next() {
		var z device.Zone
		var leader, order sql.NullInt64
		if err := rows.Scan(&z.ID, &z.UUID, &z.Name, &leader, &order); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		if leader.Valid {
			z.LeaderDeviceID = &leader.Int64
		}
		if order.Valid {
			o := int(order.Int64)
			z.OrderIndex = &o
		}
		zones[z.ID] = &z
	}
	return zones, rows.Err()
}

func (r *Registry) loadDevices(ctx context.Context) ([]*device.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, serial_number, aid, zone_id, device_type, name, model, manufacturer,
			is_zone_leader, is_circuit_driver, battery_state
		FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	defer rows.Close()

	var out []*device.Device
	for rows.Next() {
		var d device.Device
		var aid, zone sql.NullInt64
		var typ string
		var name, model, manufacturer, battery sql.NullString
		if err := rows.Scan(&d.ID, &d.Serial, &aid, &zone, &typ, &name, &model, &manufacturer,
			&d.IsZoneLeader, &d.IsCircuitDriver, &battery); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.AID = aid.Int64
		if zone.Valid {
			d.ZoneID = &zone.Int64
		}
		d.Type = device.ParseType(typ)
		d.Name = name.String
		d.Model = model.String
		d.Manufacturer = manufacturer.String
		if battery.Valid {
			d.BatteryState = &battery.String
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// index must be called with r.mu held.
func (r *Registry) index(d *device.Device) {
	r.devices[d.ID] = d
	r.bySerial[d.Serial] = d.ID
	if d.AID != 0 {
		r.byAID[d.AID] = d.ID
	}
}

// GetOrCreateDevice returns the device with the sighted serial, creating it
// on first sight. If the accessory id moved to this device, the mapping is
// updated and any other device holding that id loses it.
func (r *Registry) GetOrCreateDevice(ctx context.Context, s Sighting) (device.Device, error) {
	if s.Serial == "" {
		return device.Device{}, errors.New("sighting without serial number")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC().Unix()

	id, exists := r.bySerial[s.Serial]
	if !exists {
		d, err := r.createLocked(ctx, s, now)
		if err != nil {
			return device.Device{}, err
		}
		r.auditf(ctx, ledger.EventDeviceCreated, d.ID, map[string]any{
			"serial_number": d.Serial,
			"aid":           d.AID,
			"device_type":   string(d.Type),
		})
		log.Info().
			Int64("device_id", d.ID).
			Str("serial", d.Serial).
			Int64("aid", d.AID).
			Str("type", string(d.Type)).
			Msg("Registered new device")
		return *d, nil
	}

	d := r.devices[id]
	updated := *d
	if updated.Name == "" || updated.Name == device.PlaceholderName(updated.Type, updated.Serial) {
		if s.Name != "" {
			updated.Name = s.Name
		}
	}
	if s.Model != "" {
		updated.Model = s.Model
	}
	if s.Manufacturer != "" {
		updated.Manufacturer = s.Manufacturer
	}
	if updated.Type == device.TypeUnknown && s.Type != "" {
		updated.Type = s.Type
	}

	reassigned := s.AID != 0 && s.AID != d.AID
	previousHolder, held := r.byAID[s.AID]
	if reassigned {
		updated.AID = s.AID
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return device.Device{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if reassigned {
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET aid = NULL WHERE aid = ? AND device_id != ?`, s.AID, id); err != nil {
			return device.Device{}, fmt.Errorf("failed to release aid %d: %w", s.AID, err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE devices SET aid = ?, device_type = ?, name = ?, model = ?, manufacturer = ?, last_seen = ?
		WHERE device_id = ?`,
		nullID(updated.AID), string(updated.Type), updated.Name, updated.Model, updated.Manufacturer, now, id)
	if err != nil {
		return device.Device{}, fmt.Errorf("failed to update device %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return device.Device{}, fmt.Errorf("failed to commit device %d: %w", id, err)
	}

	if reassigned {
		if d.AID != 0 && r.byAID[d.AID] == id {
			delete(r.byAID, d.AID)
		}
		if held && previousHolder != id {
			if other, ok := r.devices[previousHolder]; ok {
				released := *other
				released.AID = 0
				r.devices[previousHolder] = &released
			}
		}
	}
	r.index(&updated)

	if reassigned {
		payload := map[string]any{"serial_number": s.Serial, "old_aid": d.AID, "new_aid": s.AID}
		if held && previousHolder != id {
			payload["previous_device_id"] = previousHolder
		}
		r.auditf(ctx, ledger.EventAccessoryReassigned, id, payload)
		log.Warn().
			Int64("device_id", id).
			Str("serial", s.Serial).
			Int64("old_aid", d.AID).
			Int64("new_aid", s.AID).
			Msg("Accessory id reassigned")
	}
	return updated, nil
}

// createLocked inserts a new device. Must be called with r.mu held.
func (r *Registry) createLocked(ctx context.Context, s Sighting, now int64) (*device.Device, error) {
	typ := s.Type
	if typ == "" || typ == device.TypeUnknown {
		typ = device.TypeFromSerial(s.Serial)
	}
	name := s.Name
	if name == "" {
		name = device.PlaceholderName(typ, s.Serial)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.AID != 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET aid = NULL WHERE aid = ?`, s.AID); err != nil {
			return nil, fmt.Errorf("failed to release aid %d: %w", s.AID, err)
		}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO devices (serial_number, aid, device_type, name, model, manufacturer, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Serial, nullID(s.AID), string(typ), name, s.Model, s.Manufacturer, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert device %s: %w", s.Serial, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit device %s: %w", s.Serial, err)
	}

	if prev, ok := r.byAID[s.AID]; ok && s.AID != 0 {
		if other, ok := r.devices[prev]; ok {
			released := *other
			released.AID = 0
			r.devices[prev] = &released
		}
	}

	d := &device.Device{
		ID:           id,
		Serial:       s.Serial,
		AID:          s.AID,
		Type:         typ,
		Name:         name,
		Model:        s.Model,
		Manufacturer: s.Manufacturer,
	}
	r.index(d)
	return d, nil
}

func (r *Registry) auditf(ctx context.Context, t ledger.EventType, deviceID int64, payload map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Append(ctx, t, deviceID, "registry", payload); err != nil {
		log.Warn().Err(err).Str("event", string(t)).Int64("device_id", deviceID).Msg("Failed to record ledger entry")
	}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// SetBatteryState stores the externally reported battery state.
func (r *Registry) SetBatteryState(ctx context.Context, deviceID int64, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %d", deviceID)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE devices SET battery_state = ? WHERE device_id = ?`, state, deviceID); err != nil {
		return fmt.Errorf("failed to update battery state: %w", err)
	}
	updated := *d
	updated.BatteryState = &state
	r.devices[deviceID] = &updated
	return nil
}

// DeviceIDForAID resolves the device currently holding an accessory id.
func (r *Registry) DeviceIDForAID(aid int64) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAID[aid]
	return id, ok
}

// Device returns a device by id.
func (r *Registry) Device(id int64) (device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return device.Device{}, false
	}
	return *d, true
}

// DeviceBySerial returns a device by serial number.
func (r *Registry) DeviceBySerial(serial string) (device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySerial[serial]
	if !ok {
		return device.Device{}, false
	}
	return *r.devices[id], true
}

// Devices returns every device ordered by id.
func (r *Registry) Devices() []device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ZoneDevices returns the members of a zone ordered by id.
func (r *Registry) ZoneDevices(zoneID int64) []device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []device.Device
	for _, d := range r.devices {
		if d.ZoneID != nil && *d.ZoneID == zoneID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Zone returns a zone by id. IsCircuitDriver reflects the leader's duty.
func (r *Registry) Zone(id int64) (device.Zone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.zones[id]
	if !ok {
		return device.Zone{}, false
	}
	return r.zoneLocked(z), true
}

// Zones returns every zone in no particular order.
func (r *Registry) Zones() []device.Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]device.Zone, 0, len(r.zones))
	for _, z := range r.zones {
		out = append(out, r.zoneLocked(z))
	}
	return out
}

func (r *Registry) zoneLocked(z *device.Zone) device.Zone {
	out := *z
	out.IsCircuitDriver = false
	if z.LeaderDeviceID != nil {
		if leader, ok := r.devices[*z.LeaderDeviceID]; ok {
			out.IsCircuitDriver = leader.IsCircuitDriver
		}
	}
	return out
}
