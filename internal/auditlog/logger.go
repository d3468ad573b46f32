package auditlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Writer is the audit collaborator boundary the pipeline writes to.
type Writer interface {
	// Write queues a record; it must never block the request path.
	Write(record *Record)
	// Close flushes pending records and releases the store.
	Close() error
}

// RecordStore persists audit record batches.
type RecordStore interface {
	WriteBatch(ctx context.Context, records []*Record) error
	// DeleteOlderThan removes records before the cutoff, returning how
	// many were deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Config tunes the async logger.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	BatchSize     int
}

// Logger provides async buffered audit logging with batch writes. Records
// accumulate in a channel and flush to the store when the batch fills or
// on a timer.
type Logger struct {
	store     RecordStore
	buffer    chan *Record
	done      chan struct{}
	wg        sync.WaitGroup
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewLogger starts the background flush loop.
func NewLogger(store RecordStore, cfg Config, logger *slog.Logger) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		store:     store,
		buffer:    make(chan *Record, cfg.BufferSize),
		done:      make(chan struct{}),
		interval:  cfg.FlushInterval,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Write queues a record without blocking. When the buffer is full the
// record is dropped with a warning; audit lag must not stall requests.
func (l *Logger) Write(record *Record) {
	if record == nil {
		return
	}

	select {
	case l.buffer <- record:
	default:
		l.logger.Warn("audit buffer full, dropping record",
			"request_id", record.RequestID,
			"model", record.Model,
		)
	}
}

// Close stops the flush loop, drains the buffer, and closes the store.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	batch := make([]*Record, 0, l.batchSize)

	for {
		select {
		case record := <-l.buffer:
			batch = append(batch, record)
			if len(batch) >= l.batchSize {
				l.flushBatch(batch)
				batch = make([]*Record, 0, l.batchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*Record, 0, l.batchSize)
			}

		case <-l.done:
			// Drain whatever is still queued before shutting down.
			close(l.buffer)
			for record := range l.buffer {
				batch = append(batch, record)
			}
			if len(batch) > 0 {
				l.flushBatch(batch)
			}
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		l.logger.Error("audit batch write failed",
			"error", err,
			"records", len(batch),
		)
	}
}

// RunCleanupLoop deletes records older than retention on every interval
// tick until ctx is canceled. Run it in its own goroutine.
func (l *Logger) RunCleanupLoop(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			deleted, err := l.store.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				l.logger.Error("audit cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				l.logger.Info("audit cleanup removed records", "count", deleted)
			}
		}
	}
}

// NopWriter discards every record. Used when audit logging is disabled.
type NopWriter struct{}

func (NopWriter) Write(*Record) {}
func (NopWriter) Close() error  { return nil }
