// Package persistence provides a write-behind SQL writer. The ledger's
// in-memory state stays authoritative; committed trades are journaled here in
// batches and retried on failure, so a storage hiccup never voids a trade.
package persistence

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// WriteOp is one pending database write.
type WriteOp struct {
	Query    string
	Args     []any
	attempts int
}

// Writer batches writes into transactions and retries failed batches.
type Writer struct {
	db          *sql.DB
	logger      *zap.Logger
	buffer      []WriteOp
	mu          sync.Mutex
	maxSize     int
	maxAttempts int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup
	metrics     WriterMetrics
}

// WriterMetrics reports journal write statistics.
type WriterMetrics struct {
	TotalWrites  uint64
	TotalBatches uint64
	TotalRetries uint64
	TotalDropped uint64
}

// NewWriter starts a background writer. maxSize triggers an eager flush;
// interval drives the periodic one.
func NewWriter(db *sql.DB, logger *zap.Logger, maxSize int, interval time.Duration) *Writer {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	w := &Writer{
		db:          db,
		logger:      logger,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		maxAttempts: 5,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.backgroundFlush()
	return w
}

// Enqueue adds a write operation; it never fails.
func (w *Writer) Enqueue(query string, args ...any) {
	w.mu.Lock()
	w.buffer = append(w.buffer, WriteOp{Query: query, Args: args})
	shouldFlush := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if shouldFlush {
		w.Flush()
	}
}

// Flush writes all buffered operations in one transaction. Failed batches go
// back onto the buffer until maxAttempts is exhausted.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	ops := w.buffer
	w.buffer = make([]WriteOp, 0, w.maxSize)
	w.mu.Unlock()

	err := w.executeBatch(ops)
	if err == nil {
		return nil
	}

	// Requeue survivors for the next flush.
	atomic.AddUint64(&w.metrics.TotalRetries, 1)
	var retry []WriteOp
	for _, op := range ops {
		op.attempts++
		if op.attempts >= w.maxAttempts {
			atomic.AddUint64(&w.metrics.TotalDropped, 1)
			w.logger.Error("journal write dropped after repeated failures",
				zap.String("query", op.Query), zap.Int("attempts", op.attempts))
			continue
		}
		retry = append(retry, op)
	}
	if len(retry) > 0 {
		w.mu.Lock()
		w.buffer = append(retry, w.buffer...)
		w.mu.Unlock()
	}
	return err
}

func (w *Writer) executeBatch(ops []WriteOp) error {
	atomic.AddUint64(&w.metrics.TotalWrites, uint64(len(ops)))
	atomic.AddUint64(&w.metrics.TotalBatches, 1)

	tx, err := w.db.Begin()
	if err != nil {
		w.logger.Warn("journal begin failed", zap.Error(err))
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			tx.Rollback()
			w.logger.Warn("journal write failed, will retry", zap.Error(err))
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		w.logger.Warn("journal commit failed, will retry", zap.Error(err))
		return err
	}
	return nil
}

func (w *Writer) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = w.Flush()
		case <-w.done:
			_ = w.Flush()
			return
		}
	}
}

// Pending returns the number of buffered operations.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Metrics returns a snapshot of the writer's counters.
func (w *Writer) Metrics() WriterMetrics {
	return WriterMetrics{
		TotalWrites:  atomic.LoadUint64(&w.metrics.TotalWrites),
		TotalBatches: atomic.LoadUint64(&w.metrics.TotalBatches),
		TotalRetries: atomic.LoadUint64(&w.metrics.TotalRetries),
		TotalDropped: atomic.LoadUint64(&w.metrics.TotalDropped),
	}
}

// Close flushes remaining writes and stops the background loop.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
