package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phorium/credits/internal/models"
)

// AttemptWriter persists a batch of usage attempts.
type AttemptWriter interface {
	InsertBatch(ctx context.Context, batch []*models.UsageAttempt) (int64, error)
}

type SinkConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Sink buffers usage attempts and writes them in batches from one goroutine.
// Record never blocks and never fails the caller: a full buffer drops the
// attempt, and storage errors are logged.
type Sink struct {
	w       AttemptWriter
	metrics *Metrics
	cfg     SinkConfig
	log     *slog.Logger

	buf      chan *models.UsageAttempt
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSink(w AttemptWriter, metrics *Metrics, cfg SinkConfig, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Sink{
		w:        w,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
		buf:      make(chan *models.UsageAttempt, cfg.BufferSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the flush worker.
func (s *Sink) Start() {
	s.wg.Add(1)
	go s.flushWorker()
	s.log.Info("telemetry sink started",
		"buffer_size", s.cfg.BufferSize,
		"batch_size", s.cfg.BatchSize,
		"flush_interval", s.cfg.FlushInterval)
}

// Stop flushes what is buffered and waits for the worker to exit.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// Record enqueues a usage attempt without blocking.
func (s *Sink) Record(a *models.UsageAttempt) {
	if s == nil || a == nil {
		return
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.Must(uuid.NewV7())
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.metrics.UsageAttempt(a.Feature, string(a.Outcome))

	select {
	case <-s.stopChan:
		s.drop(a, "sink stopped")
		return
	default:
	}
	select {
	case s.buf <- a:
	default:
		s.drop(a, "buffer full")
	}
}

func (s *Sink) drop(a *models.UsageAttempt, why string) {
	s.metrics.telemetryDropped()
	s.log.Warn("usage attempt dropped", "reason", why, "user_id", a.UserID, "feature", a.Feature, "outcome", a.Outcome)
}

func (s *Sink) flushWorker() {
	defer s.wg.Done()

	batch := make([]*models.UsageAttempt, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
		drain:
			for {
				select {
				case a := <-s.buf:
					batch = append(batch, a)
					if len(batch) >= s.cfg.BatchSize {
						s.flush(batch)
						batch = make([]*models.UsageAttempt, 0, s.cfg.BatchSize)
					}
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return

		case a := <-s.buf:
			batch = append(batch, a)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = make([]*models.UsageAttempt, 0, s.cfg.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = make([]*models.UsageAttempt, 0, s.cfg.BatchSize)
			}
		}
	}
}

func (s *Sink) flush(batch []*models.UsageAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	n, err := s.w.InsertBatch(ctx, batch)
	if err != nil {
		s.metrics.telemetryFlushFailed()
		s.log.Error("failed to flush usage attempts", "error", err, "batch_size", len(batch))
		return
	}
	s.metrics.telemetryFlushed(int(n))
	s.log.Debug("flushed usage attempts", "batch_size", n, "elapsed_ms", time.Since(start).Milliseconds())
}
