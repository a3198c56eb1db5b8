package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/earshot/earshot-go/internal/logging"
)

// Queue is the bounded handoff between the detector and the pipeline
// workers. Enqueue never blocks; a full queue drops the conversation and
// reports it to the caller.
type Queue struct {
	processor *Processor
	jobs      chan string
	logger    *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewQueue creates a queue with the given capacity.
func NewQueue(processor *Processor, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 16
	}
	return &Queue{
		processor: processor,
		jobs:      make(chan string, capacity),
		logger:    logging.ForService("pipeline"),
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	q.startOnce.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		for i := 0; i < workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx)
		}
	})
}

// Stop cancels the workers and blocks until they exit. Queued conversations
// that have not started are left behind; reprocessing is idempotent so they
// can be re-enqueued manually.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
	})
}

// Enqueue hands a finished conversation to the workers. Returns false when
// the queue is full; the caller records the drop.
func (q *Queue) Enqueue(conversationID string) bool {
	select {
	case q.jobs <- conversationID:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued conversations.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case conversationID := <-q.jobs:
			if _, err := q.processor.Process(ctx, conversationID); err != nil {
				q.logger.Error("conversation processing failed",
					"conversation_id", conversationID, "error", err)
			}
		}
	}
}
