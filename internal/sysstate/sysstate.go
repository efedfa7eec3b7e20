package sysstate

import (
	"errors"
	"time"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Well-known system state keys.
const (
	KeyTradingEnabled     = "trading_enabled"
	KeyBreakerTripped     = "breaker_tripped"
	KeyLastReconciliation = "last_reconciliation"
	KeyLastHeartbeat      = "last_heartbeat"
)

// Store provides controlled read/write access to the system_state table.
// Flag transitions are audited; nothing else in the process may hold
// cross-restart mutable state.
type Store struct {
	db    *gorm.DB
	audit *audit.Recorder
}

// NewStore creates a system state store.
func NewStore(db *gorm.DB, auditor *audit.Recorder) *Store {
	return &Store{db: db, audit: auditor}
}

// Get returns the raw value for a key, or "" if the key has never been set.
func (s *Store) Get(key string) (string, error) {
	var row types.SystemState
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return row.Value, nil
}

// Set upserts a key's value.
func (s *Store) Set(key, value string) error {
	var row types.SystemState
	err := s.db.Where("key = ?", key).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = types.SystemState{Key: key, Value: value, UpdatedAt: time.Now()}
		return s.db.Create(&row).Error
	case err != nil:
		return err
	}
	row.Value = value
	row.UpdatedAt = time.Now()
	return s.db.Save(&row).Error
}

// GetBool reads a boolean flag; unset keys read as false.
func (s *Store) GetBool(key string) (bool, error) {
	value, err := s.Get(key)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// SetBool writes a boolean flag and audits the transition when the value
// actually changes.
func (s *Store) SetBool(key string, value bool, reason string) error {
	current, err := s.GetBool(key)
	if err != nil {
		return err
	}

	str := "false"
	if value {
		str = "true"
	}
	if err := s.Set(key, str); err != nil {
		return err
	}

	if current != value {
		s.auditFlagChange(key, value, reason)
	}
	return nil
}

// TradingEnabled reports whether order admission is currently permitted.
func (s *Store) TradingEnabled() (bool, error) {
	return s.GetBool(KeyTradingEnabled)
}

// SetTradingEnabled flips the trading flag with an audited transition.
func (s *Store) SetTradingEnabled(enabled bool, reason string) error {
	return s.SetBool(KeyTradingEnabled, enabled, reason)
}

// BreakerTripped reports whether the circuit breaker is tripped.
func (s *Store) BreakerTripped() (bool, error) {
	return s.GetBool(KeyBreakerTripped)
}

// TripBreaker trips the circuit breaker. Only ResetBreaker clears it.
func (s *Store) TripBreaker(reason string) error {
	return s.SetBool(KeyBreakerTripped, true, reason)
}

// ResetBreaker clears the circuit breaker. This is the manual operator path;
// nothing in the core resets the breaker on its own.
func (s *Store) ResetBreaker(reason string) error {
	return s.SetBool(KeyBreakerTripped, false, reason)
}

// Touch updates a timestamp key (heartbeat, last reconciliation) to now.
func (s *Store) Touch(key string) error {
	return s.Set(key, time.Now().UTC().Format(time.RFC3339Nano))
}

// All returns every system state row, for the query surface.
func (s *Store) All() ([]types.SystemState, error) {
	var rows []types.SystemState
	if err := s.db.Order("key").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) auditFlagChange(key string, value bool, reason string) {
	eventType := ""
	switch {
	case key == KeyTradingEnabled && value:
		eventType = audit.EventTradingEnabled
	case key == KeyTradingEnabled && !value:
		eventType = audit.EventTradingDisabled
	case key == KeyBreakerTripped && value:
		eventType = audit.EventBreakerTripped
	case key == KeyBreakerTripped && !value:
		eventType = audit.EventBreakerReset
	default:
		log.Debug().Str("key", key).Bool("value", value).Msg("system state flag changed")
		return
	}
	s.audit.Record(audit.Entry{EventType: eventType, Reason: reason})
}
