package audit

import (
	"time"

	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Event types written to the audit trail.
const (
	EventIntentJournaled        = "intent_journaled"
	EventAdmissionDenied        = "admission_denied"
	EventBreakerTripped         = "breaker_tripped"
	EventBreakerReset           = "breaker_reset"
	EventDuplicateFillIgnored   = "duplicate_fill_ignored"
	EventPositionDriftCorrected = "position_drift_corrected"
	EventLedgerDivergence       = "ledger_divergence"
	EventRecoveryIncomplete     = "recovery_incomplete"
	EventRecoveryCompleted      = "recovery_completed"
	EventTradingDisabled        = "trading_disabled"
	EventTradingEnabled         = "trading_enabled"
	EventOrderStale             = "order_stale"
)

// Recorder writes audit events. Every denial, drift correction and halt goes
// through here so the decision can be reconstructed after the fact.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder creates an audit recorder on the shared database.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Entry is one audit event before persistence.
type Entry struct {
	EventType string
	Symbol    string
	Exchange  string
	Reference string
	Amount    *decimal.Decimal
	Reason    string
	Detail    string
}

// Record persists an audit entry and mirrors it to the structured log. A
// failed insert is logged but never propagated: auditing must not fail the
// operation being audited.
func (r *Recorder) Record(entry Entry) {
	row := types.AuditLog{
		EventType: entry.EventType,
		Symbol:    entry.Symbol,
		Exchange:  entry.Exchange,
		Reference: entry.Reference,
		Amount:    entry.Amount,
		Reason:    entry.Reason,
		Detail:    entry.Detail,
		CreatedAt: time.Now(),
	}

	logger := log.With().
		Str("event_type", entry.EventType).
		Str("symbol", entry.Symbol).
		Str("exchange", entry.Exchange).
		Str("reference", entry.Reference).
		Str("reason", entry.Reason).
		Logger()

	if err := r.db.Create(&row).Error; err != nil {
		logger.Error().Err(err).Msg("failed to persist audit entry")
		return
	}

	logger.Info().Str("detail", entry.Detail).Msg("audit event recorded")
}

// RecordTx persists an audit entry inside an existing transaction, for
// callers that need the audit row to commit atomically with the change it
// describes.
func (r *Recorder) RecordTx(tx *gorm.DB, entry Entry) error {
	row := types.AuditLog{
		EventType: entry.EventType,
		Symbol:    entry.Symbol,
		Exchange:  entry.Exchange,
		Reference: entry.Reference,
		Amount:    entry.Amount,
		Reason:    entry.Reason,
		Detail:    entry.Detail,
		CreatedAt: time.Now(),
	}
	return tx.Create(&row).Error
}

// Recent returns the newest audit entries, newest first.
func (r *Recorder) Recent(limit int) ([]types.AuditLog, error) {
	var entries []types.AuditLog
	if err := r.db.Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
