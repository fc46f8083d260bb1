package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/db"
	"github.com/dokzlo13/thermd/internal/history"
	"github.com/dokzlo13/thermd/internal/ledger"
)

func TestMaintenanceStopWaitsForLoops(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "maintenance.db"))
	require.NoError(t, err)

	ctx := context.Background()
	l := ledger.New(database.DB)
	require.NoError(t, l.Append(ctx, ledger.EventDeviceCreated, 1, "test", nil))

	cfg := &config.Config{
		Ledger:  config.LedgerConfig{CleanupInterval: config.Duration(5 * time.Millisecond)},
		History: config.HistoryConfig{CleanupInterval: config.Duration(5 * time.Millisecond), RetentionDays: 30},
	}
	s := NewMaintenanceService(cfg, l, history.New(database.DB))
	s.Start(ctx)

	// Zero retention removes everything older than now
	require.Eventually(t, func() bool {
		entries, err := l.GetByType(ctx, ledger.EventDeviceCreated, 10)
		return err == nil && len(entries) == 0
	}, 3*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	// Nothing may touch the database after Stop
	require.NoError(t, database.Close())
	time.Sleep(20 * time.Millisecond)
	assert.NotPanics(t, s.Stop)
}
