package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor drives recovery passes in the background. A pass runs when
// triggered and, on failure, is retried on a fixed interval until one
// completes cleanly. Triggers arriving while a pass is pending coalesce.
type Processor struct {
	manager  *Manager
	interval time.Duration

	mu      sync.Mutex
	pending bool
	trigger chan struct{}
}

// NewProcessor creates a background processor for the given manager.
func NewProcessor(manager *Manager, interval time.Duration) *Processor {
	return &Processor{
		manager:  manager,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a recovery pass. Safe to call from any goroutine; calls
// while a pass is already queued are collapsed into one.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Start runs the processing loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	log.Info().
		Dur("retry_interval", p.interval).
		Str("service", "recovery").
		Msg("recovery processor started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("service", "recovery").Msg("recovery processor stopped")
			return
		case <-p.trigger:
			p.runPass(ctx)
		case <-ticker.C:
			if p.retryPending() {
				p.runPass(ctx)
			}
		}
	}
}

func (p *Processor) runPass(ctx context.Context) {
	err := p.manager.Run(ctx)

	p.mu.Lock()
	p.pending = err != nil
	p.mu.Unlock()

	if err != nil {
		log.Error().
			Err(err).
			Dur("retry_in", p.interval).
			Str("service", "recovery").
			Msg("recovery pass failed, retry scheduled")
	}
}

func (p *Processor) retryPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}
