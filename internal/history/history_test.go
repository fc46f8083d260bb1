package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/thermd/internal/db"
	"github.com/dokzlo13/thermd/internal/device"
)

func openRepo(t *testing.T, devices ...int64) *Repository {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	for _, id := range devices {
		_, err := database.Exec(`INSERT INTO devices (device_id, serial_number, device_type, first_seen, last_seen) VALUES (?, ?, 'thermostat', 0, 0)`,
			id, fmt.Sprintf("RU%010d", id))
		require.NoError(t, err)
	}
	return New(database.DB)
}

func TestBucket(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"floors seconds", time.Date(2024, 1, 15, 10, 30, 47, 0, time.UTC), "20240115103040"},
		{"exact boundary", time.Date(2024, 1, 15, 10, 30, 40, 0, time.UTC), "20240115103040"},
		{"top of minute", time.Date(2024, 1, 15, 10, 31, 9, 999, time.UTC), "20240115103100"},
		{"converted to UTC", time.Date(2024, 1, 15, 12, 30, 5, 0, time.FixedZone("CEST", 2*3600)), "20240115103000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Bucket(tt.in))
		})
	}
}

func TestParseBucket(t *testing.T) {
	got, err := ParseBucket("20240115103040")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 40, 0, time.UTC), got)

	_, err = ParseBucket("2024")
	assert.Error(t, err)
}

func TestUpsertCoalescesWithinBucket(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t, 1)

	require.NoError(t, repo.Upsert(ctx, 1, "20240115103040", device.State{
		CurrentTemperature: device.Float(21.5),
		Humidity:           device.Float(45),
	}))
	require.NoError(t, repo.Upsert(ctx, 1, "20240115103040", device.State{
		CurrentTemperature:         device.Float(21.7),
		CurrentHeatingCoolingState: device.Int(1),
	}))

	rows, err := repo.Query(ctx, 1, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	s := rows[0].State
	assert.Equal(t, 21.7, *s.CurrentTemperature)
	assert.Equal(t, 45.0, *s.Humidity, "unknown field keeps stored value")
	assert.Equal(t, 1, *s.CurrentHeatingCoolingState)
	assert.Nil(t, s.TargetTemperature)
}

func TestQueryOrderingRangeAndPaging(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t, 1, 2)

	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * BucketWidth)
		require.NoError(t, repo.Upsert(ctx, 1, Bucket(ts), device.State{CurrentTemperature: device.Float(20 + float64(i))}))
	}
	require.NoError(t, repo.Upsert(ctx, 2, Bucket(base), device.State{CurrentTemperature: device.Float(10)}))

	rows, err := repo.Query(ctx, 1, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "20240115100040", rows[0].Bucket, "newest first")
	assert.Equal(t, "20240115100000", rows[4].Bucket)

	start := base.Add(BucketWidth)
	end := base.Add(3 * BucketWidth)
	rows, err = repo.Query(ctx, 1, Query{Start: &start, End: &end})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 23.0, *rows[0].State.CurrentTemperature)

	rows, err = repo.Query(ctx, 1, Query{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "20240115100030", rows[0].Bucket)
}

func TestLatestPerDevice(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t, 1, 2)

	require.NoError(t, repo.Upsert(ctx, 1, "20240115100000", device.State{CurrentTemperature: device.Float(19)}))
	require.NoError(t, repo.Upsert(ctx, 1, "20240115100010", device.State{CurrentTemperature: device.Float(20)}))
	require.NoError(t, repo.Upsert(ctx, 2, "20240115090000", device.State{TargetTemperature: device.Float(18)}))

	latest, err := repo.LatestPerDevice(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "20240115100010", latest[1].Bucket)
	assert.Equal(t, 20.0, *latest[1].State.CurrentTemperature)
	assert.Equal(t, 18.0, *latest[2].State.TargetTemperature)
}

func TestDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t, 1)
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	require.NoError(t, repo.Upsert(ctx, 1, Bucket(now.Add(-48*time.Hour)), device.State{CurrentTemperature: device.Float(1)}))
	require.NoError(t, repo.Upsert(ctx, 1, Bucket(now.Add(-time.Hour)), device.State{CurrentTemperature: device.Float(2)}))

	n, err := repo.DeleteOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := repo.Query(ctx, 1, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2.0, *rows[0].State.CurrentTemperature)
}
