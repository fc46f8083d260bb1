package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
)

// ZoneSpec describes one zone of the configured topology.
type ZoneSpec struct {
	Name    string
	Order   *int
	Devices []MemberSpec
}

// MemberSpec assigns a device to a zone with its duties.
type MemberSpec struct {
	Serial        string
	Leader        bool
	CircuitDriver bool
}

// ApplyTopology creates or updates zones and assigns member devices.
// Devices named in the topology that were never sighted are created with a
// placeholder name and no accessory id.
func (r *Registry) ApplyTopology(ctx context.Context, zones []ZoneSpec) error {
	for _, spec := range zones {
		if err := r.applyZone(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) applyZone(ctx context.Context, spec ZoneSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC().Unix()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var zoneID int64
	var zoneUUID string
	err = tx.QueryRowContext(ctx, `SELECT zone_id, uuid FROM zones WHERE name = ?`, spec.Name).Scan(&zoneID, &zoneUUID)
	switch {
	case err == sql.ErrNoRows:
		zoneUUID = uuid.NewString()
		res, err := tx.ExecContext(ctx, `INSERT INTO zones (uuid, name, order_id, created_at) VALUES (?, ?, ?, ?)`,
			zoneUUID, spec.Name, nullOrder(spec.Order), now)
		if err != nil {
			return fmt.Errorf("failed to create zone %q: %w", spec.Name, err)
		}
		if zoneID, err = res.LastInsertId(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to look up zone %q: %w", spec.Name, err)
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE zones SET order_id = ? WHERE zone_id = ?`, nullOrder(spec.Order), zoneID); err != nil {
			return fmt.Errorf("failed to update zone %q: %w", spec.Name, err)
		}
	}

	type member struct {
		dev     device.Device
		created bool
	}
	members := make([]member, 0, len(spec.Devices))
	var leaderID *int64

	for _, m := range spec.Devices {
		var d device.Device
		created := false
		if id, ok := r.bySerial[m.Serial]; ok {
			d = *r.devices[id]
		} else {
			typ := device.TypeFromSerial(m.Serial)
			d = device.Device{Serial: m.Serial, Type: typ, Name: device.PlaceholderName(typ, m.Serial)}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO devices (serial_number, device_type, name, first_seen, last_seen)
				VALUES (?, ?, ?, ?, ?)`, d.Serial, string(d.Type), d.Name, now, now)
			if err != nil {
				return fmt.Errorf("failed to create device %s: %w", m.Serial, err)
			}
			if d.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			created = true
		}

		zid := zoneID
		d.ZoneID = &zid
		d.IsZoneLeader = m.Leader
		d.IsCircuitDriver = m.CircuitDriver
		if _, err := tx.ExecContext(ctx, `
			UPDATE devices SET zone_id = ?, is_zone_leader = ?, is_circuit_driver = ? WHERE device_id = ?`,
			zoneID, d.IsZoneLeader, d.IsCircuitDriver, d.ID); err != nil {
			return fmt.Errorf("failed to assign device %s: %w", m.Serial, err)
		}
		if m.Leader {
			id := d.ID
			leaderID = &id
		}
		members = append(members, member{dev: d, created: created})
	}

	if _, err := tx.ExecContext(ctx, `UPDATE zones SET leader_device_id = ? WHERE zone_id = ?`, nullLeader(leaderID), zoneID); err != nil {
		return fmt.Errorf("failed to set leader of zone %q: %w", spec.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit zone %q: %w", spec.Name, err)
	}

	r.zones[zoneID] = &device.Zone{
		ID:             zoneID,
		UUID:           zoneUUID,
		Name:           spec.Name,
		LeaderDeviceID: leaderID,
		OrderIndex:     spec.Order,
	}
	for _, m := range members {
		d := m.dev
		r.index(&d)
		if m.created {
			log.Info().Int64("device_id", d.ID).Str("serial", d.Serial).Str("zone", spec.Name).Msg("Registered device from topology")
		}
	}

	log.Info().
		Int64("zone_id", zoneID).
		Str("zone", spec.Name).
		Int("devices", len(members)).
		Msg("Applied zone topology")
	return nil
}

func nullOrder(o *int) sql.NullInt64 {
	if o == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*o), Valid: true}
}

func nullLeader(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
