package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/vault"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type StateLister interface {
	Pools() []*farming.Pool
	Vaults() []*vault.Vault
}

type QuoteRefresher interface {
	RefreshPoolQuote(ctx context.Context, poolID string) (*engine.PoolQuote, error)
	RefreshVaultQuote(ctx context.Context, vaultID string) (*engine.VaultQuote, error)
}

// QuotePublisher periodically recomputes every pool and vault quote, caches
// it and publishes it for live subscribers.
type QuotePublisher struct {
	cron      *cron.Cron
	state     StateLister
	quotes    QuoteRefresher
	publisher engine.Publisher
	logger    *zap.SugaredLogger
	timeout   time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
}

type QuotePublisherConfig struct {
	// Schedule uses the six-field cron format, seconds first.
	Schedule string
	Timeout  time.Duration
}

func NewQuotePublisher(state StateLister, quotes QuoteRefresher, publisher engine.Publisher, logger *zap.SugaredLogger, config QuotePublisherConfig) (*QuotePublisher, error) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	p := &QuotePublisher{
		cron:      cron.New(cron.WithSeconds()),
		state:     state,
		quotes:    quotes,
		publisher: publisher,
		logger:    logger,
		timeout:   config.Timeout,
		ctx:       context.Background(),
	}
	if _, err := p.cron.AddFunc(config.Schedule, p.tick); err != nil {
		return nil, fmt.Errorf("register quote job %q: %w", config.Schedule, err)
	}
	return p, nil
}

// Start schedules the job and returns immediately. The job stops when ctx is done.
func (p *QuotePublisher) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.cron.Start()
	p.logger.Infow("Quote publisher started", "entries", len(p.cron.Entries()))

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
}

// Stop waits for a running tick to finish.
func (p *QuotePublisher) Stop() {
	<-p.cron.Stop().Done()
	p.logger.Infow("Quote publisher stopped")
}

func (p *QuotePublisher) tick() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.logger.Warnw("Previous quote run still in progress, skipping")
		return
	}
	p.running = true
	parent := p.ctx
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()
	p.RunOnce(ctx)
}

// RunOnce publishes one round of quotes and reports how many were published.
func (p *QuotePublisher) RunOnce(ctx context.Context) int {
	published := 0
	for _, pool := range p.state.Pools() {
		q, err := p.quotes.RefreshPoolQuote(ctx, pool.ID)
		if err != nil {
			p.logger.Warnw("Failed to compute pool quote", "pool", pool.ID, "error", err)
			continue
		}
		if err := p.publisher.Publish(ctx, engine.KeyPoolQuote, q); err != nil {
			p.logger.Warnw("Failed to publish pool quote", "pool", pool.ID, "error", err)
			continue
		}
		published++
	}
	for _, v := range p.state.Vaults() {
		q, err := p.quotes.RefreshVaultQuote(ctx, v.ID)
		if err != nil {
			p.logger.Warnw("Failed to compute vault quote", "vault", v.ID, "error", err)
			continue
		}
		if err := p.publisher.Publish(ctx, engine.KeyVaultQuote, q); err != nil {
			p.logger.Warnw("Failed to publish vault quote", "vault", v.ID, "error", err)
			continue
		}
		published++
	}
	p.logger.Debugw("Quotes published", "count", published)
	return published
}
