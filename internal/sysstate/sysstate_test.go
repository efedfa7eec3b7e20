package sysstate

import (
	"testing"
	"time"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return NewStore(db, audit.NewRecorder(db)), db
}

func auditCount(t *testing.T, db *gorm.DB, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&types.AuditLog{}).
		Where("event_type = ?", eventType).
		Count(&count).Error)
	return count
}

func TestUnsetFlagsReadFalse(t *testing.T) {
	store, _ := newTestStore(t)

	enabled, err := store.TradingEnabled()
	require.NoError(t, err)
	assert.False(t, enabled)

	tripped, err := store.BreakerTripped()
	require.NoError(t, err)
	assert.False(t, tripped)
}

func TestFlagTransitionsAreAudited(t *testing.T) {
	store, db := newTestStore(t)

	require.NoError(t, store.SetTradingEnabled(true, "startup"))
	require.NoError(t, store.SetTradingEnabled(true, "startup again"))
	require.NoError(t, store.SetTradingEnabled(false, "halt"))

	// Only actual transitions land on the audit trail.
	assert.Equal(t, int64(1), auditCount(t, db, audit.EventTradingEnabled))
	assert.Equal(t, int64(1), auditCount(t, db, audit.EventTradingDisabled))
}

func TestBreakerTripAndReset(t *testing.T) {
	store, db := newTestStore(t)

	require.NoError(t, store.TripBreaker("daily loss limit breached"))
	tripped, err := store.BreakerTripped()
	require.NoError(t, err)
	assert.True(t, tripped)

	require.NoError(t, store.ResetBreaker("operator confirmed"))
	tripped, err = store.BreakerTripped()
	require.NoError(t, err)
	assert.False(t, tripped)

	assert.Equal(t, int64(1), auditCount(t, db, audit.EventBreakerTripped))
	assert.Equal(t, int64(1), auditCount(t, db, audit.EventBreakerReset))
}

func TestTouchWritesTimestamp(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Touch(KeyLastHeartbeat))

	value, err := store.Get(KeyLastHeartbeat)
	require.NoError(t, err)
	parsed, err := time.Parse(time.RFC3339Nano, value)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
}

func TestSetOverwrites(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Set("some_key", "one"))
	require.NoError(t, store.Set("some_key", "two"))

	value, err := store.Get("some_key")
	require.NoError(t, err)
	assert.Equal(t, "two", value)

	rows, err := store.All()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
