package usagelog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amerfu/pgate/internal/models"
)

var (
	bufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgate_usage_buffer_depth",
		Help: "Records waiting in the in-process usage buffer.",
	})
	recordsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgate_usage_records_persisted_total",
		Help: "Usage records written to the durable store.",
	})
	syncFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgate_usage_sync_fallbacks_total",
		Help: "Enqueues that bypassed the full in-process buffer.",
	})
)

// Sink persists a batch of records durably.
type Sink interface {
	Persist(ctx context.Context, records []*Record) error
}

// GormSink writes usage rows in batches. Re-delivered records collapse on
// the request id unique index, which keeps at-least-once delivery
// idempotent at the store.
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) *GormSink { return &GormSink{db: db} }

func (s *GormSink) Persist(ctx context.Context, records []*Record) error {
	rows := make([]*models.Usage, 0, len(records))
	for _, r := range records {
		row, err := r.Row()
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).
		CreateInBatches(rows, 100).Error; err != nil {
		return fmt.Errorf("failed to persist usage batch: %w", err)
	}
	return nil
}

// Pipeline carries records from the request path to the sink: a bounded
// in-process buffer feeds the redis queue, and a consumer drains the
// queue into the sink in batches. When the buffer is full, Enqueue writes
// to the queue synchronously instead of dropping.
type Pipeline struct {
	queue  *Queue
	sink   Sink
	logger *zap.Logger

	buf      chan *Record
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type PipelineConfig struct {
	BufferSize    int
	FlushInterval time.Duration
}

func NewPipeline(queue *Queue, sink Sink, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Pipeline{
		queue:    queue,
		sink:     sink,
		logger:   logger,
		buf:      make(chan *Record, cfg.BufferSize),
		interval: cfg.FlushInterval,
	}
}

// Enqueue never blocks the response path: it buffers in process and falls
// back to a synchronous queue write under backpressure.
func (p *Pipeline) Enqueue(record *Record) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	select {
	case p.buf <- record:
		bufferDepth.Set(float64(len(p.buf)))
	default:
		syncFallbacks.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.queue.Enqueue(ctx, record); err != nil {
			p.logger.Error("usage record lost on backpressure fallback",
				zap.String("request_id", record.RequestID), zap.Error(err))
		}
	}
}

// Start launches the forwarder and consumer. Call Stop to flush and halt.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(2)
	go p.forward(ctx)
	go p.consume(ctx)
}

// forward drains the in-process buffer to the redis queue.
func (p *Pipeline) forward(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	batch := make([]*Record, 0, 64)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := p.queue.Enqueue(ctx, batch...); err != nil {
			p.logger.Error("failed to forward usage batch", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		bufferDepth.Set(float64(len(p.buf)))
	}

	for {
		select {
		case <-ctx.Done():
			// The run context is cancelled at this point; the final
			// flush must still reach redis or the batch is lost.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(flushCtx)
			cancel()
			return
		case rec := <-p.buf:
			batch = append(batch, rec)
			if len(batch) >= cap(batch) {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// consume drains the redis queue into the sink and re-schedules failed
// batches.
func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ProcessRetries(ctx); err != nil {
				p.logger.Warn("retry queue sweep failed", zap.Error(err))
			}
			p.drainQueue(ctx)
		}
	}
}

func (p *Pipeline) drainQueue(ctx context.Context) {
	for {
		records, err := p.queue.DequeueBatch(ctx)
		if err != nil {
			p.logger.Error("usage dequeue failed", zap.Error(err))
			return
		}
		if len(records) == 0 {
			return
		}
		if err := p.sink.Persist(ctx, records); err != nil {
			p.logger.Error("usage persist failed, scheduling retries",
				zap.Int("count", len(records)), zap.Error(err))
			for _, r := range records {
				if qErr := p.queue.EnqueueFailed(ctx, r, err); qErr != nil {
					p.logger.Error("usage record lost", zap.String("request_id", r.RequestID), zap.Error(qErr))
				}
			}
			return
		}
		recordsPersisted.Add(float64(len(records)))
	}
}

// Stop flushes the in-process buffer to the queue and the queue to the
// sink, bounded by ctx.
func (p *Pipeline) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	for {
		select {
		case rec := <-p.buf:
			if err := p.queue.Enqueue(ctx, rec); err != nil {
				p.logger.Error("usage record lost at shutdown",
					zap.String("request_id", rec.RequestID), zap.Error(err))
			}
			continue
		default:
		}
		break
	}
	p.drainQueue(ctx)
}
