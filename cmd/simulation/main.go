package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/config"
	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/engine"
	"github.com/ksred/trading-core/internal/exchange"
	"github.com/ksred/trading-core/internal/journal"
	"github.com/ksred/trading-core/internal/ledger"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/sysstate"
	"github.com/ksred/trading-core/internal/taxlot"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minOrders  = 15
	maxOrders  = 150
	numWorkers = 5
	drainTime  = 3 * time.Second
)

var sides = []string{types.SideBuy, types.SideBuy, types.SideBuy, types.SideSell} // buy-heavy mix

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// routeStats tracks latency statistics for one operation
type routeStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean, median, 95th and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulation bundles the core services for an in-process paper trading run
type simulation struct {
	cfg     *config.Config
	engine  *engine.Engine
	journal *journal.Service
	orders  *orders.Service
	ledger  *ledger.Service
	taxlots *taxlot.Service
	state   *sysstate.Store
	audit   *audit.Recorder

	placeStats *routeStats

	mu      sync.Mutex
	placed  int
	denied  int
	failed  int
	symbols map[string]int
	sideMix map[string]int
}

// newSimulation wires the full core over an in-memory database and the
// simulated exchange adapters.
func newSimulation() (*simulation, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// Loosen the order rate limits so the workers are not the bottleneck.
	cfg.Risk.MaxOrdersPerMin = 6000
	cfg.Risk.SymbolOrdersPerMin = 2000

	db, err := database.NewTestDatabase()
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}

	auditor := audit.NewRecorder(db)
	state := sysstate.NewStore(db, auditor)
	journalService := journal.NewService(db, auditor)
	orderService := orders.NewService(db, auditor)
	ledgerService := ledger.NewService(db)
	taxlotService := taxlot.NewService(db, auditor)

	enforcer := risk.NewEnforcer(risk.Limits{
		CapitalUSD:         cfg.Risk.CapitalUSD,
		MaxPositionPct:     cfg.Risk.MaxPositionPct,
		DailyLossLimitPct:  cfg.Risk.DailyLossLimitPct,
		GlobalOrdersPerMin: cfg.Risk.MaxOrdersPerMin,
		SymbolOrdersPerMin: cfg.Risk.SymbolOrdersPerMin,
	}, state, auditor)

	var adapters []exchange.Adapter
	for _, name := range cfg.Exchanges.Active {
		var sim *exchange.MockAdapter
		switch name {
		case "coinbase":
			sim = exchange.NewCoinbaseSim()
		case "kraken":
			sim = exchange.NewKrakenSim()
		default:
			continue
		}
		for _, pair := range cfg.Exchanges.PrimaryPairs {
			sim.SetMarketPrice(pair, decimal.RequireFromString("0.5"))
		}
		adapters = append(adapters, sim)
	}
	registry := exchange.NewRegistry(adapters...)

	eng := engine.New(cfg, journalService, orderService, ledgerService, taxlotService, enforcer, registry)

	if err := state.SetTradingEnabled(true, "simulation start"); err != nil {
		return nil, err
	}

	return &simulation{
		cfg:        cfg,
		engine:     eng,
		journal:    journalService,
		orders:     orderService,
		ledger:     ledgerService,
		taxlots:    taxlotService,
		state:      state,
		audit:      auditor,
		placeStats: &routeStats{name: "Place Order"},
		symbols:    make(map[string]int),
		sideMix:    make(map[string]int),
	}, nil
}

// placeOrders generates and submits random orders as one worker goroutine
func (s *simulation) placeOrders(ctx context.Context, workerID, numOrders int) {
	for i := 0; i < numOrders; i++ {
		symbol := s.cfg.Exchanges.PrimaryPairs[rand.Intn(len(s.cfg.Exchanges.PrimaryPairs))]
		exchangeName := s.cfg.Exchanges.Active[rand.Intn(len(s.cfg.Exchanges.Active))]
		side := sides[rand.Intn(len(sides))]

		intent := types.OrderIntent{
			ClientOrderID: "SIM_" + uuid.New().String(),
			Exchange:      exchangeName,
			Symbol:        symbol,
			Side:          side,
			OrderType:     types.OrderTypeMarket,
			Quantity:      decimal.NewFromInt(int64(rand.Intn(100) + 1)),
			StrategyTag:   fmt.Sprintf("sim-worker-%d", workerID),
		}

		start := time.Now()
		order, err := s.engine.PlaceOrder(ctx, intent)
		s.placeStats.addDuration(time.Since(start), err != nil)

		s.mu.Lock()
		switch {
		case errors.Is(err, engine.ErrAdmissionDenied):
			s.denied++
		case err != nil:
			s.failed++
		default:
			s.placed++
			s.symbols[symbol]++
			s.sideMix[side]++
		}
		s.mu.Unlock()

		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("order not placed")
		} else {
			log.Info().
				Int("worker_id", workerID).
				Str("client_order_id", order.ClientOrderID).
				Str("symbol", symbol).
				Str("side", side).
				Str("status", order.Status).
				Msg("Order placed")
		}

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
	}
}

// printSummary outputs the final accounting view of the run
func (s *simulation) printSummary(duration time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	realized, err := s.taxlots.RealizedPnLSince(time.Time{})
	if err != nil {
		log.Error().Err(err).Msg("Failed to sum realized pnl")
	}

	fmt.Printf(`
Order Statistics
----------------
Placed:       %d
Risk Denied:  %d
Failed:       %d
Realized PnL: $%s
Duration:     %v

Symbol Distribution
-------------------
`, s.placed, s.denied, s.failed, realized.StringFixed(2), duration.Round(time.Millisecond))

	maxSymbolCount := 0
	for _, count := range s.symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}
	for symbol, count := range s.symbols {
		barLength := 0
		if maxSymbolCount > 0 {
			barLength = int(float64(count) / float64(maxSymbolCount) * 20)
		}
		fmt.Printf("%-10s: %s (%d)\n", symbol, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range s.sideMix {
		fmt.Printf("%-4s: %d\n", side, count)
	}

	fmt.Println("\nFinal Positions")
	fmt.Println("---------------")
	positions, err := s.ledger.AllPositions()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load positions")
	}
	for i := range positions {
		p := &positions[i]
		unrealized, _ := s.ledger.UnrealizedPnL(p)
		fmt.Printf("%-10s %-10s qty=%-14s avg=%-12s unrealized=$%s\n",
			p.Symbol, p.Exchange, p.Quantity.String(), p.AvgEntryPrice.String(), unrealized.StringFixed(2))
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	s.printPerformanceStats()
}

// printPerformanceStats outputs formatted latency statistics
func (s *simulation) printPerformanceStats() {
	fmt.Println("\nPerformance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Operation", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	min, max, mean, median, p95, p99 := s.placeStats.calculate()
	fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
		s.placeStats.name,
		s.placeStats.totalCalls,
		s.placeStats.failures,
		min.Round(time.Millisecond),
		max.Round(time.Millisecond),
		mean.Round(time.Millisecond),
		median.Round(time.Millisecond),
		p95.Round(time.Millisecond),
		p99.Round(time.Millisecond))
	fmt.Println(strings.Repeat("-", 100))
}

// main runs an in-process paper trading simulation: a worker pool fires
// random orders through the full admission, journal and settlement path
// against the simulated exchanges, then prints the resulting books.
func main() {
	sim, err := newSimulation()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim.engine.Start(ctx)

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			sim.placeOrders(ctx, workerID, targetOrders/numWorkers)
		}(i)
	}
	wg.Wait()

	// Let in-flight fills drain through the event streams.
	log.Info().Dur("drain", drainTime).Msg("All orders placed, draining fills")
	time.Sleep(drainTime)

	sim.printSummary(time.Since(start))

	log.Info().
		Int("orders_placed", sim.placed).
		Int("risk_denied", sim.denied).
		Dur("duration", time.Since(start)).
		Msg("Simulation completed")
}
