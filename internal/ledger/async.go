package ledger

import (
	"context"
	"log"
	"time"
)

// Writer performs the post-stream ledger writes off the request path. The
// response stream is already closed when a record is enqueued, so failures
// here are logged, retried a bounded number of times, and then dropped:
// accounting is at-least-once, never surfaced to the caller.
type Writer struct {
	store      Store
	jobs       chan *Transaction
	done       chan struct{}
	maxRetries int
	timeout    time.Duration
}

// NewWriter starts the single drain goroutine.
func NewWriter(store Store, buffer, maxRetries int) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	w := &Writer{
		store:      store,
		jobs:       make(chan *Transaction, buffer),
		done:       make(chan struct{}),
		maxRetries: maxRetries,
		timeout:    10 * time.Second,
	}
	go w.run()
	return w
}

// Record enqueues one completed request for persistence. Never blocks the
// caller: if the queue is full the record is dropped and logged.
func (w *Writer) Record(tx *Transaction) {
	select {
	case w.jobs <- tx:
	default:
		log.Printf("ledger: queue full, dropping transaction identity=%s ts=%s cost=%f",
			tx.Identity, tx.Timestamp, tx.Cost)
	}
}

// Close stops accepting records and waits for the queue to drain.
func (w *Writer) Close() {
	close(w.jobs)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for tx := range w.jobs {
		w.write(tx)
	}
}

func (w *Writer) write(tx *Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	monthYear := MonthKeyFromTimestamp(tx.Timestamp)

	// Two independent writes. The transaction put is idempotent under its
	// deterministic key; the monthly add is not, so it gets its own bounded
	// retry and is simply lost if every attempt fails.
	w.retry(ctx, "put transaction", func() error {
		return w.store.PutTransaction(ctx, tx)
	})
	w.retry(ctx, "add monthly usage", func() error {
		return w.store.AddMonthlyUsage(ctx, tx.Identity, monthYear, tx.Cost)
	})
}

func (w *Writer) retry(ctx context.Context, op string, fn func() error) {
	var err error
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			log.Printf("ledger: %s aborted: %v", op, ctx.Err())
			return
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	log.Printf("ledger: %s failed after %d attempts: %v", op, w.maxRetries, err)
}
