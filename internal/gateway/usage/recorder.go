package usage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/metrics"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

// Store persists usage records. *database.DB implements it.
type Store interface {
	InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error
}

const writeTimeout = 5 * time.Second

// Recorder writes usage records in the background. Failures never reach
// the caller; they are logged and counted.
type Recorder struct {
	store Store
	queue chan *models.UsageRecord
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts workers goroutines draining a queue of queueSize records
func NewRecorder(store Store, workers, queueSize int) *Recorder {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	r := &Recorder{
		store: store,
		queue: make(chan *models.UsageRecord, queueSize),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// RecordAsync enqueues rec and returns immediately. When the queue is full
// or the recorder is closed the record is dropped.
func (r *Recorder) RecordAsync(rec *models.UsageRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(rec, "recorder closed")
		return false
	}

	select {
	case r.queue <- rec:
		return true
	default:
		r.drop(rec, "queue full")
		return false
	}
}

// Close stops accepting records and waits for queued ones to be written
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Recorder) work() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *Recorder) write(rec *models.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.InsertUsageRecord(ctx, rec); err != nil {
		metrics.UsageRecordFailed()
		logger.Logger.Error("failed to record usage",
			zap.Error(err),
			zap.String("user_id", rec.UserID),
			zap.String("provider", rec.Provider),
			zap.String("model", rec.Model),
		)
	}
}

func (r *Recorder) drop(rec *models.UsageRecord, reason string) {
	metrics.UsageRecordDropped()
	logger.Logger.Warn("usage record dropped",
		zap.String("reason", reason),
		zap.String("user_id", rec.UserID),
		zap.String("model", rec.Model),
	)
}
