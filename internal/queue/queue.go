// Package queue is the outbound retry queue (component Q in spec §4.7): a
// FIFO of sends that failed in a retry-eligible way, re-driven through P on
// a backoff schedule until they succeed or exhaust their attempt budget.
package queue

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/localbridge/bridged/internal/sendpipeline"
)

const (
	// DefaultMaxAttempts is should_retry()'s budget: attempts < max_attempts.
	DefaultMaxAttempts = 5
	// DefaultMaxDelay caps the uncapped 1s*2^n growth spec §4.7 allows
	// implementers to apply; without a cap a long-failing send would wait
	// over 8 hours between attempts by attempt 15.
	DefaultMaxDelay = 5 * time.Minute
)

// QueuedMessage is one pending (re)send.
type QueuedMessage struct {
	ID               int64
	OriginalTempGUID string
	ChatGUID         string
	Text             *string
	FilePath         *string
	Attempts         int
	MaxAttempts      int
	LastAttempt      time.Time
}

func (q *QueuedMessage) shouldRetry() bool {
	return q.Attempts < q.MaxAttempts
}

// SendStatus is the last known outcome for a temp_guid, tracked
// independently of the event bus so UIs can resolve temp-X -> real-Y
// without having been subscribed at the moment it happened (spec §4.7
// "Q also tracks send-status by temp_guid separately").
type SendStatus struct {
	RealGUID string
	Failed   bool
	Error    string
}

// Queue is the FIFO retry consumer.
type Queue struct {
	pipeline *sendpipeline.Pipeline

	mu      sync.Mutex
	nextID  int64
	items   []*QueuedMessage
	status  map[string]SendStatus // keyed by original temp_guid
	wake    chan struct{}
}

// New builds a Queue driving resends through pipeline.
func New(pipeline *sendpipeline.Pipeline) *Queue {
	return &Queue{
		pipeline: pipeline,
		status:   make(map[string]SendStatus),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds a failed send for retry. Exactly one of text/filePath should
// be set, mirroring SendText vs SendAttachment.
func (q *Queue) Enqueue(tempGUID, chatGUID string, text, filePath *string) *QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	item := &QueuedMessage{
		ID:               q.nextID,
		OriginalTempGUID: tempGUID,
		ChatGUID:         chatGUID,
		Text:             text,
		FilePath:         filePath,
		MaxAttempts:      DefaultMaxAttempts,
		LastAttempt:      time.Time{},
	}
	q.items = append(q.items, item)
	q.status[tempGUID] = SendStatus{}
	q.signal()
	return item
}

// Status returns the last known outcome for tempGUID, if any.
func (q *Queue) Status(tempGUID string) (SendStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.status[tempGUID]
	return s, ok
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of items currently pending retry.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run is Q's single background consumer task (spec §5: "Q's background
// consumer is a single task"). It wakes on a fixed poll interval or
// whenever Enqueue signals new work, and pops every item whose backoff has
// elapsed.
func (q *Queue) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.drain(ctx)
		case <-q.wake:
			q.drain(ctx)
		}
	}
}

// retryDelay implements spec §4.7: 1s * 2^n for attempt n (0-based),
// capped at DefaultMaxDelay.
func retryDelay(attempts int) time.Duration {
	d := time.Second << attempts
	if d <= 0 || d > DefaultMaxDelay {
		return DefaultMaxDelay
	}
	return d
}

func (q *Queue) drain(ctx context.Context) {
	q.mu.Lock()
	due := make([]*QueuedMessage, 0, len(q.items))
	now := time.Now()
	for _, item := range q.items {
		if item.LastAttempt.IsZero() || now.Sub(item.LastAttempt) >= retryDelay(item.Attempts) {
			due = append(due, item)
		}
	}
	q.mu.Unlock()

	for _, item := range due {
		q.retryOne(ctx, item)
	}
}

func (q *Queue) retryOne(ctx context.Context, item *QueuedMessage) {
	var realGUID string
	var err error

	if item.Text != nil {
		_, realGUID, err = q.pipeline.SendText(ctx, item.ChatGUID, *item.Text)
	} else if item.FilePath != nil {
		f, openErr := os.Open(*item.FilePath)
		if openErr != nil {
			err = openErr
		} else {
			defer f.Close()
			_, realGUID, err = q.pipeline.SendAttachment(ctx, item.ChatGUID, *item.FilePath, f)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item.Attempts++
	item.LastAttempt = time.Now()

	if err == nil {
		q.finish(item, SendStatus{RealGUID: realGUID})
		return
	}

	retryEligible := sendpipeline.RetryEligible(err)
	if !retryEligible || !item.shouldRetry() {
		log.Warn().Err(err).Str("chat_guid", item.ChatGUID).Int("attempts", item.Attempts).
			Msg("queue: giving up on send")
		q.finish(item, SendStatus{Failed: true, Error: err.Error()})
		return
	}

	log.Warn().Err(err).Str("chat_guid", item.ChatGUID).Int("attempts", item.Attempts).
		Msg("queue: retry-eligible send failed, will retry")
}

// finish records status under item's original temp_guid and removes item
// from the FIFO. Caller holds q.mu.
func (q *Queue) finish(item *QueuedMessage, status SendStatus) {
	q.status[item.OriginalTempGUID] = status
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
}
