package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/busybox42/smtp2graph/internal/graph"
	"github.com/busybox42/smtp2graph/internal/logging"
	"github.com/busybox42/smtp2graph/internal/metrics"
)

// DefaultSweepInterval is how often elapsed retry records are re-attempted
const DefaultSweepInterval = 30 * time.Second

// Deliverer sends one message file
type Deliverer interface {
	Deliver(ctx context.Context, path string) error
}

// ProcessorConfig holds configuration for the queue processor
type ProcessorConfig struct {
	// RetryLimit is the number of retries after a transient failure; 0 fails on the first one
	RetryLimit int
	// RetryInterval is the wait before a transiently failed message is retried
	RetryInterval time.Duration
	// SweepInterval is the cadence of the retry sweep
	SweepInterval time.Duration
}

// retryRecord is the in-memory retry bookkeeping for one file
type retryRecord struct {
	count      int
	retryAfter time.Time
}

type deliveryResult struct {
	name  string
	err   error
	sweep bool
}

// Processor delivers pending messages and owns their retry records. All
// bookkeeping happens on the goroutine running Run; deliveries run on their
// own goroutines and report back through a channel.
type Processor struct {
	storage   *FileStorage
	deliverer Deliverer
	config    ProcessorConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	results chan deliveryResult
	wg      sync.WaitGroup

	// owned by the Run goroutine
	records      map[string]*retryRecord
	inflight     map[string]bool
	sweepPending int
	ticker       *time.Ticker
}

// NewProcessor creates a new queue processor
func NewProcessor(storage *FileStorage, deliverer Deliverer, config ProcessorConfig, logger *slog.Logger) *Processor {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.RetryLimit < 0 {
		config.RetryLimit = 0
	}

	return &Processor{
		storage:   storage,
		deliverer: deliverer,
		config:    config,
		logger:    logging.OrDiscard(logger).With("component", "queue-processor"),
		metrics:   metrics.GetMetrics(),
		now:       time.Now,
		results:   make(chan deliveryResult),
		records:   make(map[string]*retryRecord),
		inflight:  make(map[string]bool),
	}
}

// Run watches the pending area and delivers every message already there
// and every message added later, until ctx is cancelled. Deliveries that
// are in flight at cancellation are allowed to finish before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create queue watcher: %w", err)
	}
	defer watcher.Close()

	dir := p.storage.Dir(Pending)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	p.logger.InfoContext(ctx, "Starting queue processor",
		"dir", dir,
		"retry_limit", p.config.RetryLimit,
		"retry_interval", p.config.RetryInterval,
	)

	// Scan after the watch is in place; attempt drops the duplicates
	dctx := context.WithoutCancel(ctx)
	entries, err := p.storage.List(Pending)
	if err != nil {
		p.infraError(ctx, "scan", err)
	}
	for _, e := range entries {
		p.attempt(dctx, e.Name, false)
	}
	p.updateQueueSize()

	events, errs := watcher.Events, watcher.Errors
	for {
		var tick <-chan time.Time
		if p.ticker != nil {
			tick = p.ticker.C
		}

		select {
		case <-ctx.Done():
			p.drain(dctx)
			return nil

		case ev, ok := <-events:
			if !ok {
				p.drain(dctx)
				return fmt.Errorf("queue watcher closed")
			}
			if ev.Has(fsnotify.Create) && filepath.Ext(ev.Name) == MessageExt {
				p.attempt(dctx, filepath.Base(ev.Name), false)
			}

		case werr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.infraError(ctx, "watch", werr)

		case res := <-p.results:
			p.handle(ctx, res)

		case <-tick:
			p.sweep(dctx)
		}
	}
}

// drain waits for in-flight deliveries and records their outcomes
func (p *Processor) drain(ctx context.Context) {
	if len(p.inflight) > 0 {
		p.logger.InfoContext(ctx, "Waiting for in-flight deliveries", "count", len(p.inflight))
	}
	for len(p.inflight) > 0 {
		p.handle(ctx, <-p.results)
	}
	p.wg.Wait()
	p.stopTicker()
}

// attempt starts a delivery of name unless one is already running
func (p *Processor) attempt(ctx context.Context, name string, sweep bool) bool {
	if p.inflight[name] {
		return false
	}
	if !p.storage.Exists(Pending, name) {
		// Already delivered, failed or removed by hand
		p.dropRecord(name)
		return false
	}

	p.inflight[name] = true
	if sweep {
		p.sweepPending++
	}

	path := p.storage.Path(Pending, name)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.deliverer.Deliver(ctx, path)
		p.results <- deliveryResult{name: name, err: err, sweep: sweep}
	}()
	return true
}

// handle applies the outcome of one delivery attempt
func (p *Processor) handle(ctx context.Context, res deliveryResult) {
	delete(p.inflight, res.name)
	if res.sweep {
		p.sweepPending--
	}

	logger := p.logger.With("file", res.name)

	switch {
	case res.err == nil:
		p.dropRecord(res.name)
		p.metrics.QueueOutcomes.WithLabelValues("sent").Inc()
		if err := p.storage.Remove(res.name); err != nil {
			p.infraError(ctx, "remove", err)
		}

	case graph.IsUnrecoverable(res.err):
		logger.ErrorContext(ctx, "Delivery failed permanently", "error", res.err)
		p.escalate(ctx, res.name)

	default:
		rec := p.records[res.name]
		if rec == nil {
			rec = &retryRecord{}
			p.records[res.name] = rec
		}
		rec.count++

		if p.config.RetryLimit == 0 || rec.count > p.config.RetryLimit {
			logger.ErrorContext(ctx, "Delivery failed, no retries left",
				"error", res.err,
				"attempts", rec.count,
			)
			p.escalate(ctx, res.name)
			break
		}

		rec.retryAfter = p.now().Add(p.config.RetryInterval)
		p.metrics.QueueOutcomes.WithLabelValues("deferred").Inc()
		logger.WarnContext(ctx, "Delivery failed, will retry",
			"error", res.err,
			"retry", rec.count,
			"retry_limit", p.config.RetryLimit,
			"retry_after", rec.retryAfter,
		)
	}

	p.updateTicker()
	p.updateQueueSize()
}

// escalate moves name to the failed area and forgets it
func (p *Processor) escalate(ctx context.Context, name string) {
	p.dropRecord(name)
	p.metrics.QueueOutcomes.WithLabelValues("failed").Inc()
	if err := p.storage.Fail(name); err != nil {
		p.infraError(ctx, "fail", err)
	}
}

// sweep re-attempts every record whose retry time has passed. A tick that
// arrives while a previous sweep still has attempts running is skipped.
func (p *Processor) sweep(ctx context.Context) {
	if p.sweepPending > 0 {
		p.metrics.SkippedSweeps.Inc()
		return
	}
	p.metrics.RetrySweeps.Inc()

	now := p.now()
	for name, rec := range p.records {
		if now.Before(rec.retryAfter) {
			continue
		}
		p.attempt(ctx, name, true)
	}
	p.updateTicker()
}

func (p *Processor) dropRecord(name string) {
	delete(p.records, name)
	p.metrics.RetryRecords.Set(float64(len(p.records)))
}

// updateTicker runs the sweep ticker only while there are records
func (p *Processor) updateTicker() {
	p.metrics.RetryRecords.Set(float64(len(p.records)))

	switch {
	case len(p.records) > 0 && p.ticker == nil:
		p.ticker = time.NewTicker(p.config.SweepInterval)
	case len(p.records) == 0:
		p.stopTicker()
	}
}

func (p *Processor) stopTicker() {
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
}

func (p *Processor) updateQueueSize() {
	for _, area := range []Area{Pending, Failed} {
		if entries, err := p.storage.List(area); err == nil {
			p.metrics.QueueSize.WithLabelValues(string(area)).Set(float64(len(entries)))
		}
	}
}

func (p *Processor) infraError(ctx context.Context, op string, err error) {
	p.metrics.InfraFailures.WithLabelValues(op).Inc()
	p.logger.ErrorContext(ctx, "Queue operation failed", "op", op, "error", err)
}
