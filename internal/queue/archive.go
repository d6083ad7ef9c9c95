package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"qms/counter-service/internal/metrics"
	"qms/counter-service/internal/store"
)

const archiveMaxTries = 5

// ArchiveWorker delivers archive records to the history store off the
// request path. Enqueue never blocks and never drops; Run delivers in order
// with retry.
type ArchiveWorker struct {
	archiver store.Archiver

	mu      sync.Mutex
	pending []store.ArchiveRecord
	wake    chan struct{}

	initialInterval time.Duration
}

func NewArchiveWorker(archiver store.Archiver) *ArchiveWorker {
	return &ArchiveWorker{
		archiver:        archiver,
		wake:            make(chan struct{}, 1),
		initialInterval: 200 * time.Millisecond,
	}
}

func (w *ArchiveWorker) Enqueue(record store.ArchiveRecord) {
	w.mu.Lock()
	w.pending = append(w.pending, record)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many records are waiting for delivery.
func (w *ArchiveWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run delivers records until ctx is done, then makes one last pass with a
// short deadline.
func (w *ArchiveWorker) Run(ctx context.Context) error {
	for {
		w.flush(ctx)
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(final)
			cancel()
			return nil
		case <-w.wake:
		}
	}
}

func (w *ArchiveWorker) flush(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			return
		}
		record := w.pending[0]
		w.pending = w.pending[1:]
		w.mu.Unlock()

		if err := w.deliver(ctx, record); err != nil {
			if ctx.Err() != nil {
				w.requeue(record)
				log.Warn().Err(err).
					Int64("customer_id", record.Customer.CustomerID).
					Int("pending", w.Pending()).
					Msg("archive delivery interrupted")
				return
			}
			metrics.ArchiveFailuresTotal.Inc()
			log.Error().Err(err).
				Int64("customer_id", record.Customer.CustomerID).
				Str("disposition", string(record.Disposition)).
				Msg("archive delivery failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// requeue puts an interrupted record back at the head so the next pass
// delivers it first.
func (w *ArchiveWorker) requeue(record store.ArchiveRecord) {
	w.mu.Lock()
	w.pending = append([]store.ArchiveRecord{record}, w.pending...)
	w.mu.Unlock()
}

func (w *ArchiveWorker) deliver(ctx context.Context, record store.ArchiveRecord) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.initialInterval
	policy.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.archiver.Archive(ctx, record)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(archiveMaxTries))
	return err
}
