package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/trading-core/internal/types"
	"github.com/shopspring/decimal"
)

var (
	// ErrOrderNotFound means the exchange has no record of the queried order.
	ErrOrderNotFound = errors.New("order not found on exchange")

	// ErrExchangeUnavailable means the adapter could not reach the exchange
	// within its timeout budget.
	ErrExchangeUnavailable = errors.New("exchange unavailable")
)

// EventType classifies exchange-reported order events.
type EventType string

const (
	EventAck    EventType = "ACK"
	EventFill   EventType = "FILL"
	EventCancel EventType = "CANCEL"
	EventReject EventType = "REJECT"
)

// Event is one exchange-reported order event. Fill events carry the
// exchange's fill identifier, which is what the state machine dedupes on.
type Event struct {
	Type            EventType
	Exchange        string
	ClientOrderID   string
	ExchangeOrderID string
	FillID          string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	Reason          string
	Timestamp       time.Time
}

// Ack is the exchange's response to a submit or cancel request.
type Ack struct {
	ExchangeOrderID string
	Accepted        bool
	Reason          string
}

// StatusReport is the exchange's current view of an order, used by the
// recovery manager to replay events the process missed while offline.
type StatusReport struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          string // exchange-normalized order status
	FilledQuantity  decimal.Decimal
	Fills           []Event
}

// Adapter is the capability interface every concrete exchange implements.
// The core selects adapters by configuration and never branches on exchange
// name. All calls are context-bound; callers supply timeouts.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, order *types.Order) (*Ack, error)
	Cancel(ctx context.Context, exchangeOrderID string) (*Ack, error)
	QueryOrder(ctx context.Context, clientOrderID string) (*StatusReport, error)
	StreamEvents(ctx context.Context, symbol string) (<-chan Event, error)
}

// Registry holds the configured adapters keyed by exchange name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	reg := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		reg.adapters[a.Name()] = a
	}
	return reg
}

// Get returns the adapter for an exchange name.
func (r *Registry) Get(name string) (Adapter, error) {
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for exchange %q", name)
	}
	return adapter, nil
}

// All returns every configured adapter.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
