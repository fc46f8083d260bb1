// Package history persists device state in 10-second buckets.
//
// Each (device, bucket) pair holds at most one row. Writes within the same
// bucket coalesce: a field that is unknown in the new snapshot keeps the value
// already stored for that bucket.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dokzlo13/thermd/internal/device"
)

// BucketWidth is the history resolution.
const BucketWidth = 10 * time.Second

const bucketLayout = "200601021504"

// Bucket returns the bucket key for t: YYYYMMDDHHMM followed by the seconds
// floored to a multiple of ten. Keys are computed in UTC so that they sort
// chronologically across DST changes.
func Bucket(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s%02d", u.Format(bucketLayout), u.Second()/10*10)
}

// ParseBucket returns the start time of a bucket key.
func ParseBucket(key string) (time.Time, error) {
	if len(key) != len(bucketLayout)+2 {
		return time.Time{}, fmt.Errorf("invalid bucket %q", key)
	}
	t, err := time.ParseInLocation(bucketLayout+"05", key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid bucket %q: %w", key, err)
	}
	return t, nil
}

// Row is one stored bucket.
type Row struct {
	DeviceID  int64        `json:"device_id"`
	Bucket    string       `json:"timestamp_bucket"`
	State     device.State `json:"state"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Query selects a page of history, newest first.
type Query struct {
	Start  *time.Time
	End    *time.Time
	Limit  int
	Offset int
}

// DefaultLimit applies when a query does not set one.
const DefaultLimit = 100

// Repository reads and writes device_state_history.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a repository on an open database.
func New(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

var (
	columnList string
	upsertSQL  string
)

func init() {
	fields := device.Fields()
	cols := make([]string, len(fields))
	sets := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.String()
		sets[i] = fmt.Sprintf("%[1]s = COALESCE(excluded.%[1]s, %[1]s)", f.String())
	}
	columnList = strings.Join(cols, ", ")
	upsertSQL = fmt.Sprintf(`
		INSERT INTO device_state_history (device_id, timestamp_bucket, %s, updated_at)
		VALUES (?, ?%s, ?)
		ON CONFLICT(device_id, timestamp_bucket) DO UPDATE SET
			%s,
			updated_at = excluded.updated_at`,
		columnList, strings.Repeat(", ?", len(fields)), strings.Join(sets, ",\n\t\t\t"))
}

// Upsert writes a snapshot into a bucket, coalescing with any row already
// stored there.
func (r *Repository) Upsert(ctx context.Context, deviceID int64, bucket string, s device.State) error {
	args := make([]any, 0, len(device.Fields())+3)
	args = append(args, deviceID, bucket)
	for _, f := range device.Fields() {
		v, ok := s.Get(f)
		switch {
		case !ok:
			args = append(args, nil)
		case f.Integral():
			args = append(args, int64(v))
		default:
			args = append(args, v)
		}
	}
	args = append(args, r.now().UTC().Unix())

	if _, err := r.db.ExecContext(ctx, upsertSQL, args...); err != nil {
		return fmt.Errorf("failed to upsert history for device %d bucket %s: %w", deviceID, bucket, err)
	}
	return nil
}

// LatestPerDevice returns the most recent bucket of every device.
func (r *Repository) LatestPerDevice(ctx context.Context) (map[int64]Row, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT h.device_id, h.timestamp_bucket, %s, h.updated_at
		FROM device_state_history h
		JOIN (
			SELECT device_id, MAX(timestamp_bucket) AS latest
			FROM device_state_history
			GROUP BY device_id
		) m ON h.device_id = m.device_id AND h.timestamp_bucket = m.latest`, prefixed("h.")))
	if err != nil {
		return nil, fmt.Errorf("failed to load latest history: %w", err)
	}
	defer rows.Close()

	list, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Row, len(list))
	for _, row := range list {
		out[row.DeviceID] = row
	}
	return out, nil
}

// Query returns a page of one device's history, newest bucket first.
func (r *Repository) Query(ctx context.Context, deviceID int64, q Query) ([]Row, error) {
	where := []string{"device_id = ?"}
	args := []any{deviceID}
	if q.Start != nil {
		where = append(where, "timestamp_bucket >= ?")
		args = append(args, Bucket(*q.Start))
	}
	if q.End != nil {
		where = append(where, "timestamp_bucket <= ?")
		args = append(args, Bucket(*q.End))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT device_id, timestamp_bucket, %s, updated_at
		FROM device_state_history
		WHERE %s
		ORDER BY timestamp_bucket DESC
		LIMIT ? OFFSET ?`, columnList, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for device %d: %w", deviceID, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// DeleteOlderThan removes buckets that started before now minus retention.
func (r *Repository) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := Bucket(r.now().Add(-retention))
	result, err := r.db.ExecContext(ctx, `DELETE FROM device_state_history WHERE timestamp_bucket < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func prefixed(p string) string {
	cols := make([]string, 0, len(device.Fields()))
	for _, f := range device.Fields() {
		cols = append(cols, p+f.String())
	}
	return strings.Join(cols, ", ")
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	fields := device.Fields()
	var out []Row
	for rows.Next() {
		var row Row
		var updatedAt int64
		values := make([]sql.NullFloat64, len(fields))
		dest := make([]any, 0, len(fields)+3)
		dest = append(dest, &row.DeviceID, &row.Bucket)
		for i := range values {
			dest = append(dest, &values[i])
		}
		dest = append(dest, &updatedAt)

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		for i, f := range fields {
			if values[i].Valid {
				row.State.Set(f, values[i].Float64)
			}
		}
		row.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		row.State.LastUpdate = row.UpdatedAt
		out = append(out, row)
	}
	return out, rows.Err()
}
