package store

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// WriteOp is one durable write the Writer will apply inside its next
// transaction. Grounded on the teacher's internal/persistence.WriteOp.
type WriteOp struct {
	Query string
	Args  []any
}

// WriterMetrics mirrors the teacher's BatchWriterMetrics.
type WriterMetrics struct {
	TotalWrites   uint64
	TotalBatches  uint64
	TotalErrors   uint64
	LastBatchSize int
	LastFlushTime time.Time
}

// Writer batches durable writes so the hot path (cache mutation) never
// blocks on disk I/O: engines call Enqueue synchronously after a cache
// commit, and a background goroutine flushes the buffer on a timer or once
// it's full. Grounded on internal/persistence.BatchWriter.
type Writer struct {
	db          *sql.DB
	buffer      []WriteOp
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	log         zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup

	metrics WriterMetrics
}

// NewWriter creates a Writer over db, flushing every interval or once
// maxSize operations have queued up, whichever comes first.
func NewWriter(db *DB, maxSize int, interval time.Duration, log zerolog.Logger) *Writer {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &Writer{
		db:          db.conn,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		log:         log,
		done:        make(chan struct{}),
	}
	w.wg.Add(1)
	go w.backgroundFlush()
	return w
}

// Enqueue adds a write to the buffer, flushing immediately if it is now full.
func (w *Writer) Enqueue(op WriteOp) {
	w.mu.Lock()
	w.buffer = append(w.buffer, op)
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		_ = w.Flush()
	}
}

// Flush writes every buffered op inside one transaction.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	ops := w.buffer
	w.buffer = make([]WriteOp, 0, w.maxSize)
	w.mu.Unlock()

	return w.executeBatch(ops)
}

func (w *Writer) executeBatch(ops []WriteOp) error {
	atomic.AddUint64(&w.metrics.TotalWrites, uint64(len(ops)))
	atomic.AddUint64(&w.metrics.TotalBatches, 1)
	w.metrics.LastBatchSize = len(ops)
	w.metrics.LastFlushTime = time.Now()

	tx, err := w.db.Begin()
	if err != nil {
		atomic.AddUint64(&w.metrics.TotalErrors, 1)
		w.log.Error().Err(err).Msg("store: begin transaction failed")
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			tx.Rollback()
			atomic.AddUint64(&w.metrics.TotalErrors, 1)
			w.log.Error().Err(err).Str("query", op.Query).Msg("store: write failed, batch rolled back")
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&w.metrics.TotalErrors, 1)
		w.log.Error().Err(err).Msg("store: commit failed")
		return err
	}
	w.log.Debug().Int("ops", len(ops)).Msg("store: flushed batch")
	return nil
}

func (w *Writer) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.log.Warn().Err(err).Msg("store: background flush error")
			}
		case <-w.done:
			if err := w.Flush(); err != nil {
				w.log.Warn().Err(err).Msg("store: final flush error")
			}
			return
		}
	}
}

// Pending returns the number of buffered, not-yet-flushed operations.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Metrics returns a snapshot of the writer's counters.
func (w *Writer) Metrics() WriterMetrics {
	return WriterMetrics{
		TotalWrites:   atomic.LoadUint64(&w.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&w.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&w.metrics.TotalErrors),
		LastBatchSize: w.metrics.LastBatchSize,
		LastFlushTime: w.metrics.LastFlushTime,
	}
}

// Close flushes any remaining buffer and stops the background goroutine.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
