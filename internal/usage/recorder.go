package usage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dashscope-proxy/domain/chat"

	"github.com/sirupsen/logrus"
)

// event is one queued usage observation
type event struct {
	model     string
	usage     chat.Usage
	streaming bool
}

// ModelUsage aggregates token counts for a single model
type ModelUsage struct {
	Requests         int64 `json:"requests"`
	StreamRequests   int64 `json:"stream_requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Snapshot is a point-in-time copy of the aggregated usage
type Snapshot struct {
	Models map[string]ModelUsage `json:"models"`
	Totals ModelUsage            `json:"totals"`
}

// Health reports the recorder's processing state
type Health struct {
	IsRunning     bool  `json:"is_running"`
	QueueSize     int   `json:"queue_size"`
	RecordedCount int64 `json:"recorded_count"`
	DroppedCount  int64 `json:"dropped_count"`
}

// Recorder aggregates usage reports off the request path. Reports are queued
// on a buffered channel and folded into per-model counters by a small worker
// pool, so a slow consumer never blocks a live stream.
type Recorder struct {
	eventChan   chan event
	workerCount int
	bufferSize  int

	// sendMu serializes producers against channel close: Record sends under
	// the read lock, Stop flips the running flag and closes under the write
	// lock, so a send can never hit a closed channel.
	sendMu sync.RWMutex

	mu       sync.Mutex
	perModel map[string]ModelUsage

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	isRunning     atomic.Bool
	recordedCount atomic.Int64
	droppedCount  atomic.Int64
}

// NewRecorder creates a usage recorder
func NewRecorder(workerCount, bufferSize int) *Recorder {
	if workerCount <= 0 {
		workerCount = 2 // Default worker count
	}
	if bufferSize <= 0 {
		bufferSize = 1000 // Default buffer size
	}

	return &Recorder{
		eventChan:   make(chan event, bufferSize),
		workerCount: workerCount,
		bufferSize:  bufferSize,
		perModel:    make(map[string]ModelUsage),
	}
}

// Start begins consuming usage events
func (r *Recorder) Start(ctx context.Context) error {
	if r.isRunning.Load() {
		return fmt.Errorf("usage recorder is already running")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.isRunning.Store(true)

	for i := 0; i < r.workerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	logrus.WithFields(logrus.Fields{
		"worker_count": r.workerCount,
		"buffer_size":  r.bufferSize,
	}).Info("Usage recorder started")

	return nil
}

// Stop gracefully shuts down the recorder, draining queued events
func (r *Recorder) Stop() error {
	if !r.isRunning.Load() {
		return nil
	}

	logrus.Info("Stopping usage recorder...")

	r.cancel()

	r.sendMu.Lock()
	if !r.isRunning.Load() {
		// Another Stop won the race and already closed the channel
		r.sendMu.Unlock()
		return nil
	}
	r.isRunning.Store(false)
	close(r.eventChan)
	r.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Usage recorder stopped gracefully")
	case <-time.After(10 * time.Second):
		logrus.Warn("Usage recorder stop timed out")
	}

	return nil
}

// Record queues one usage observation. It never blocks the caller: when the
// queue is full the event is counted as dropped and discarded.
func (r *Recorder) Record(model string, usage chat.Usage, streaming bool) {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()

	if !r.isRunning.Load() {
		return
	}

	select {
	case r.eventChan <- event{model: model, usage: usage, streaming: streaming}:
	case <-r.ctx.Done():
		// Shutting down, nothing left to record to
	default:
		r.droppedCount.Add(1)
		logrus.Warn("Usage recorder queue is full, dropping event")
	}
}

// Snapshot returns a copy of the aggregated usage
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	models := make(map[string]ModelUsage, len(r.perModel))
	var totals ModelUsage
	for model, u := range r.perModel {
		models[model] = u
		totals.Requests += u.Requests
		totals.StreamRequests += u.StreamRequests
		totals.PromptTokens += u.PromptTokens
		totals.CompletionTokens += u.CompletionTokens
		totals.TotalTokens += u.TotalTokens
	}

	return Snapshot{Models: models, Totals: totals}
}

// Health returns the health status of the recorder
func (r *Recorder) Health() Health {
	return Health{
		IsRunning:     r.isRunning.Load(),
		QueueSize:     len(r.eventChan),
		RecordedCount: r.recordedCount.Load(),
		DroppedCount:  r.droppedCount.Load(),
	}
}

// worker folds events into the per-model counters
func (r *Recorder) worker(workerID int) {
	defer r.wg.Done()

	logger := logrus.WithField("worker_id", workerID)
	logger.Debug("Usage recorder worker started")

	for ev := range r.eventChan {
		model := ev.model
		if model == "" {
			model = "unknown"
		}

		r.mu.Lock()
		u := r.perModel[model]
		u.Requests++
		if ev.streaming {
			u.StreamRequests++
		}
		u.PromptTokens += int64(ev.usage.PromptTokens)
		u.CompletionTokens += int64(ev.usage.CompletionTokens)
		u.TotalTokens += int64(ev.usage.TotalTokens)
		r.perModel[model] = u
		r.mu.Unlock()

		r.recordedCount.Add(1)
	}

	logger.Debug("Usage recorder worker stopping")
}
