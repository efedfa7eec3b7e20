package risk

import (
	"fmt"
	"sync"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/sysstate"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// DenialReason identifies which check rejected an intent.
type DenialReason string

const (
	DenialPositionLimit    DenialReason = "position-limit"
	DenialLossLimit        DenialReason = "loss-limit"
	DenialRateLimit        DenialReason = "rate-limit"
	DenialBreakerTripped   DenialReason = "breaker-tripped"
	DenialTradingDisabled  DenialReason = "trading-disabled"
	DenialStateUnavailable DenialReason = "state-unavailable"
)

// Decision is the outcome of an admission check. Admission never fails with
// an error; a denial is an explicit, audited decision value.
type Decision struct {
	Allowed bool
	Reason  DenialReason
	Detail  string
}

func allow() Decision { return Decision{Allowed: true} }

// Limits carries the configured risk parameters.
type Limits struct {
	CapitalUSD         decimal.Decimal
	MaxPositionPct     decimal.Decimal
	DailyLossLimitPct  decimal.Decimal
	GlobalOrdersPerMin int
	SymbolOrdersPerMin int
}

// Enforcer gates every intent before it reaches the journal. Admission
// decisions are serialized process-wide: the daily-loss and breaker state
// are global, so each check is a single read-decide-commit sequence.
type Enforcer struct {
	limits Limits
	state  *sysstate.Store
	audit  *audit.Recorder

	mu      sync.Mutex
	global  *rate.Limiter
	symbols map[string]*rate.Limiter
}

// NewEnforcer creates a risk enforcer with the given limits.
func NewEnforcer(limits Limits, state *sysstate.Store, auditor *audit.Recorder) *Enforcer {
	return &Enforcer{
		limits:  limits,
		state:   state,
		audit:   auditor,
		global:  newMinuteLimiter(limits.GlobalOrdersPerMin),
		symbols: make(map[string]*rate.Limiter),
	}
}

func newMinuteLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// Admit evaluates an intent against, in order: the circuit breaker and
// trading flag, the per-symbol position limit, the daily loss limit, and the
// order rate limits. The first failing check decides; a loss-limit breach
// also trips the breaker so every later intent is denied until an operator
// resets it.
func (e *Enforcer) Admit(intent types.OrderIntent, position *types.Position, dailyPnL decimal.Decimal) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := log.With().
		Str("client_order_id", intent.ClientOrderID).
		Str("symbol", intent.Symbol).
		Str("side", intent.Side).
		Str("service", "risk").
		Logger()

	// A flag that cannot be read is its own denial reason: the audit trail
	// must not suggest the breaker tripped when the store was unreachable.
	tripped, err := e.state.BreakerTripped()
	if err != nil {
		return e.deny(intent, DenialStateUnavailable, fmt.Sprintf("breaker state unreadable: %v", err))
	}
	if tripped {
		return e.deny(intent, DenialBreakerTripped, "circuit breaker is tripped")
	}

	enabled, err := e.state.TradingEnabled()
	if err != nil {
		return e.deny(intent, DenialStateUnavailable, fmt.Sprintf("trading flag unreadable: %v", err))
	}
	if !enabled {
		return e.deny(intent, DenialTradingDisabled, "trading is disabled")
	}

	if decision := e.checkPositionLimit(intent, position); !decision.Allowed {
		return decision
	}

	if decision := e.checkLossLimit(intent, dailyPnL); !decision.Allowed {
		return decision
	}

	if decision := e.checkRateLimits(intent); !decision.Allowed {
		return decision
	}

	logger.Debug().Msg("intent admitted")
	return allow()
}

// checkPositionLimit compares the projected position notional against the
// configured share of capital. The intent's limit price is the reference;
// market orders fall back to the current average entry price.
func (e *Enforcer) checkPositionLimit(intent types.OrderIntent, position *types.Position) Decision {
	refPrice := decimal.Zero
	if intent.Price != nil {
		refPrice = *intent.Price
	} else if position != nil && !position.AvgEntryPrice.IsZero() {
		refPrice = position.AvgEntryPrice
	}
	if refPrice.IsZero() {
		// No price reference for a market order on a fresh symbol; the
		// notional cannot be projected, so the check cannot bind.
		return allow()
	}

	current := decimal.Zero
	if position != nil {
		current = position.Quantity
	}
	signed := intent.Quantity
	if intent.Side == types.SideSell {
		signed = signed.Neg()
	}

	projectedNotional := current.Add(signed).Abs().Mul(refPrice)
	maxNotional := e.limits.CapitalUSD.Mul(e.limits.MaxPositionPct)
	if projectedNotional.GreaterThan(maxNotional) {
		return e.deny(intent, DenialPositionLimit,
			fmt.Sprintf("projected notional %s exceeds limit %s", projectedNotional, maxNotional))
	}
	return allow()
}

// checkLossLimit denies and trips the breaker once the day's realized plus
// unrealized loss reaches the configured share of capital.
func (e *Enforcer) checkLossLimit(intent types.OrderIntent, dailyPnL decimal.Decimal) Decision {
	if !dailyPnL.IsNegative() {
		return allow()
	}
	maxLoss := e.limits.CapitalUSD.Mul(e.limits.DailyLossLimitPct)
	if dailyPnL.Neg().GreaterThanOrEqual(maxLoss) {
		reason := fmt.Sprintf("daily pnl %s breaches loss limit %s", dailyPnL, maxLoss.Neg())
		if err := e.state.TripBreaker(reason); err != nil {
			log.Error().Err(err).Str("service", "risk").Msg("failed to trip circuit breaker")
		}
		return e.deny(intent, DenialLossLimit, reason)
	}
	return allow()
}

func (e *Enforcer) checkRateLimits(intent types.OrderIntent) Decision {
	limiter, ok := e.symbols[intent.Symbol]
	if !ok {
		limiter = newMinuteLimiter(e.limits.SymbolOrdersPerMin)
		e.symbols[intent.Symbol] = limiter
	}
	// Reserve instead of consuming outright: when the other limiter denies,
	// the reservation is cancelled so a denied intent burns no budget.
	symbolRes := limiter.Reserve()
	if !symbolRes.OK() || symbolRes.Delay() > 0 {
		symbolRes.Cancel()
		return e.deny(intent, DenialRateLimit,
			fmt.Sprintf("symbol order rate limit %d/min exceeded", e.limits.SymbolOrdersPerMin))
	}
	globalRes := e.global.Reserve()
	if !globalRes.OK() || globalRes.Delay() > 0 {
		globalRes.Cancel()
		symbolRes.Cancel()
		return e.deny(intent, DenialRateLimit,
			fmt.Sprintf("global order rate limit %d/min exceeded", e.limits.GlobalOrdersPerMin))
	}
	return allow()
}

func (e *Enforcer) deny(intent types.OrderIntent, reason DenialReason, detail string) Decision {
	log.Warn().
		Str("client_order_id", intent.ClientOrderID).
		Str("symbol", intent.Symbol).
		Str("reason", string(reason)).
		Str("detail", detail).
		Str("service", "risk").
		Msg("intent denied")

	notional := intent.Quantity
	if intent.Price != nil {
		notional = intent.Quantity.Mul(*intent.Price)
	}
	e.audit.Record(audit.Entry{
		EventType: audit.EventAdmissionDenied,
		Symbol:    intent.Symbol,
		Exchange:  intent.Exchange,
		Reference: intent.ClientOrderID,
		Amount:    &notional,
		Reason:    string(reason),
		Detail:    detail,
	})

	return Decision{Allowed: false, Reason: reason, Detail: detail}
}
