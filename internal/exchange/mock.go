package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MockAdapter simulates an exchange for paper trading and tests. Latency,
// fill behavior and fees are configurable so the Coinbase-style and
// Kraken-style variants behave differently without the core caring.
type MockAdapter struct {
	name        string
	minLatency  time.Duration
	maxLatency  time.Duration
	successRate float64 // probability a submit is accepted
	partialRate float64 // probability a fill arrives in two parts
	feeRate     decimal.Decimal

	mu      sync.Mutex
	orders  map[string]*mockOrder            // by client order ID
	prices  map[string]decimal.Decimal       // last price per symbol
	streams map[string][]chan Event          // subscribers per symbol
	seq     int64
}

type mockOrder struct {
	order           types.Order
	exchangeOrderID string
	status          string
	filledQuantity  decimal.Decimal
	fills           []Event
}

// NewCoinbaseSim returns a mock adapter with Coinbase-like characteristics.
func NewCoinbaseSim() *MockAdapter {
	return newMockAdapter("coinbase", 5*time.Millisecond, 30*time.Millisecond, 0.97, 0.30, "0.006")
}

// NewKrakenSim returns a mock adapter with Kraken-like characteristics.
func NewKrakenSim() *MockAdapter {
	return newMockAdapter("kraken", 10*time.Millisecond, 60*time.Millisecond, 0.95, 0.40, "0.0026")
}

func newMockAdapter(name string, minLatency, maxLatency time.Duration, successRate, partialRate float64, feeRate string) *MockAdapter {
	return &MockAdapter{
		name:        name,
		minLatency:  minLatency,
		maxLatency:  maxLatency,
		successRate: successRate,
		partialRate: partialRate,
		feeRate:     decimal.RequireFromString(feeRate),
		orders:      make(map[string]*mockOrder),
		prices:      make(map[string]decimal.Decimal),
		streams:     make(map[string][]chan Event),
	}
}

func (m *MockAdapter) Name() string { return m.name }

// SetMarketPrice seeds the simulated last price for a symbol. Market orders
// fill around this price.
func (m *MockAdapter) SetMarketPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// Submit accepts or rejects the order and, when accepted, emits fill events
// on the symbol's stream shortly afterwards.
func (m *MockAdapter) Submit(ctx context.Context, order *types.Order) (*Ack, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rand.Float64() > m.successRate {
		log.Debug().
			Str("exchange", m.name).
			Str("client_order_id", order.ClientOrderID).
			Msg("mock exchange rejected order")
		return &Ack{Accepted: false, Reason: "insufficient liquidity"}, nil
	}

	m.seq++
	exchangeOrderID := fmt.Sprintf("%s-%d", m.name, m.seq)
	mo := &mockOrder{
		order:           *order,
		exchangeOrderID: exchangeOrderID,
		status:          types.StatusSubmitted,
		filledQuantity:  decimal.Zero,
	}
	m.orders[order.ClientOrderID] = mo

	go m.fillOrder(order.ClientOrderID)

	return &Ack{ExchangeOrderID: exchangeOrderID, Accepted: true}, nil
}

// Cancel marks a submitted order cancelled and emits a cancel event.
func (m *MockAdapter) Cancel(ctx context.Context, exchangeOrderID string) (*Ack, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for clientID, mo := range m.orders {
		if mo.exchangeOrderID != exchangeOrderID {
			continue
		}
		if types.IsTerminalStatus(mo.status) {
			return &Ack{ExchangeOrderID: exchangeOrderID, Accepted: false, Reason: "order already terminal"}, nil
		}
		mo.status = types.StatusCancelled
		event := Event{
			Type:            EventCancel,
			Exchange:        m.name,
			ClientOrderID:   clientID,
			ExchangeOrderID: exchangeOrderID,
			Timestamp:       time.Now(),
		}
		m.broadcastLocked(mo.order.Symbol, event)
		return &Ack{ExchangeOrderID: exchangeOrderID, Accepted: true}, nil
	}

	return nil, ErrOrderNotFound
}

// QueryOrder returns the exchange's full view of an order, including every
// fill it ever produced. Recovery replays these after a restart.
func (m *MockAdapter) QueryOrder(ctx context.Context, clientOrderID string) (*StatusReport, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mo, ok := m.orders[clientOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}

	fills := make([]Event, len(mo.fills))
	copy(fills, mo.fills)

	return &StatusReport{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: mo.exchangeOrderID,
		Status:          mo.status,
		FilledQuantity:  mo.filledQuantity,
		Fills:           fills,
	}, nil
}

// StreamEvents subscribes to order events for a symbol until ctx is done.
func (m *MockAdapter) StreamEvents(ctx context.Context, symbol string) (<-chan Event, error) {
	ch := make(chan Event, 64)

	m.mu.Lock()
	m.streams[symbol] = append(m.streams[symbol], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.streams[symbol]
		for i, sub := range subs {
			if sub == ch {
				m.streams[symbol] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

// fillOrder emits an ack followed by one or two fills summing to the full
// requested quantity.
func (m *MockAdapter) fillOrder(clientOrderID string) {
	time.Sleep(m.randomLatency())

	m.mu.Lock()
	defer m.mu.Unlock()

	mo, ok := m.orders[clientOrderID]
	if !ok || types.IsTerminalStatus(mo.status) {
		return
	}

	symbol := mo.order.Symbol
	price := m.executionPriceLocked(&mo.order)

	m.broadcastLocked(symbol, Event{
		Type:            EventAck,
		Exchange:        m.name,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: mo.exchangeOrderID,
		Timestamp:       time.Now(),
	})

	quantities := []decimal.Decimal{mo.order.Quantity}
	if rand.Float64() < m.partialRate {
		half := mo.order.Quantity.Div(decimal.NewFromInt(2)).Round(8)
		quantities = []decimal.Decimal{half, mo.order.Quantity.Sub(half)}
	}

	for _, qty := range quantities {
		m.seq++
		fee := price.Mul(qty).Mul(m.feeRate).Round(8)
		event := Event{
			Type:            EventFill,
			Exchange:        m.name,
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: mo.exchangeOrderID,
			FillID:          fmt.Sprintf("%s-fill-%d", m.name, m.seq),
			Quantity:        qty,
			Price:           price,
			Fee:             fee,
			FeeCurrency:     "USD",
			Timestamp:       time.Now(),
		}
		mo.fills = append(mo.fills, event)
		mo.filledQuantity = mo.filledQuantity.Add(qty)
		m.broadcastLocked(symbol, event)
	}

	if mo.filledQuantity.Equal(mo.order.Quantity) {
		mo.status = types.StatusFilled
	} else {
		mo.status = types.StatusPartiallyFilled
	}
}

// executionPriceLocked picks a fill price: the limit price when present,
// otherwise the seeded market price with a small variance.
func (m *MockAdapter) executionPriceLocked(order *types.Order) decimal.Decimal {
	if order.Price != nil && order.Price.IsPositive() {
		return *order.Price
	}
	base, ok := m.prices[order.Symbol]
	if !ok {
		base = decimal.NewFromInt(1)
	}
	variance := decimal.NewFromFloat((rand.Float64() - 0.5) * 0.01)
	return base.Mul(decimal.NewFromInt(1).Add(variance)).Round(8)
}

func (m *MockAdapter) broadcastLocked(symbol string, event Event) {
	for _, ch := range m.streams[symbol] {
		select {
		case ch <- event:
		default:
			log.Warn().
				Str("exchange", m.name).
				Str("symbol", symbol).
				Msg("dropping event for slow subscriber")
		}
	}
}

func (m *MockAdapter) randomLatency() time.Duration {
	span := m.maxLatency - m.minLatency
	if span <= 0 {
		return m.minLatency
	}
	return m.minLatency + time.Duration(rand.Int63n(int64(span)))
}

func (m *MockAdapter) simulateLatency(ctx context.Context) error {
	timer := time.NewTimer(m.randomLatency())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrExchangeUnavailable, ctx.Err())
	case <-timer.C:
		return nil
	}
}
