// Package bundler implements the durability fallback queue for chat
// messages. When the primary persistence path cannot be used the message is
// enqueued here per chat room and a background worker flushes waiting jobs
// in batches. The queue pauses on storage errors instead of dropping work
// and resumes on the next enqueue or after a back-off interval.
package bundler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tradepost/realtime/internal/chat"
	"github.com/tradepost/realtime/internal/metrics"
)

// Store is the slice of the persistence gateway the bundler needs.
type Store interface {
	FindRecentDuplicate(ctx context.Context, chatID, senderID, content string, window time.Duration) (*chat.Message, error)
	CreateMessages(ctx context.Context, msgs []*chat.Message) error
}

// Config holds bundler tuning parameters.
type Config struct {
	Interval    time.Duration // how often the worker drains waiting jobs
	ResumeAfter time.Duration // back-off before a paused queue retries on its own
	FlushBudget time.Duration // per-flush storage deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		ResumeAfter: 10 * time.Second,
		FlushBudget: 5 * time.Second,
	}
}

// job is one queued message. persisted jobs already have a durable row and
// are dropped at flush time instead of re-inserted.
type job struct {
	msg       *chat.Message
	persisted bool
}

// Bundler is the per-room fallback queue.
type Bundler struct {
	store  Store
	config Config

	mu       sync.Mutex
	queues   map[string][]job // chatID -> waiting jobs
	depth    int
	paused   bool
	pausedAt time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Bundler draining into store.
func New(store Store, config Config) *Bundler {
	return &Bundler{
		store:  store,
		config: config,
		queues: make(map[string][]job),
		done:   make(chan struct{}),
	}
}

// Start launches the background worker. It returns immediately.
func (b *Bundler) Start() {
	go func() {
		ticker := time.NewTicker(b.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				b.tick()
			}
		}
	}()
}

// Stop halts the background worker. Queued jobs stay in memory; callers that
// need them durable should Flush first.
func (b *Bundler) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Enqueue adds a message to its chat's queue. Enqueueing resumes a paused
// queue so fresh traffic retries the stuck batch immediately.
func (b *Bundler) Enqueue(m *chat.Message, persisted bool) {
	b.mu.Lock()
	b.queues[m.ChatID] = append(b.queues[m.ChatID], job{msg: m, persisted: persisted})
	b.depth++
	b.paused = false
	b.mu.Unlock()

	metrics.BundlerQueueDepth.Inc()
}

// Depth returns the number of waiting jobs across all rooms.
func (b *Bundler) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth
}

// Paused reports whether the queue is currently paused after an error.
func (b *Bundler) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// tick runs one worker pass, honoring the pause back-off. Panics from the
// flush path are recovered so a poisoned job cannot take the process down.
func (b *Bundler) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bundler: recovered panic in flush: %v", r)
			b.mu.Lock()
			b.paused = true
			b.pausedAt = time.Now()
			b.mu.Unlock()
		}
	}()

	b.mu.Lock()
	if b.paused && time.Since(b.pausedAt) < b.config.ResumeAfter {
		b.mu.Unlock()
		return
	}
	b.paused = false
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.config.FlushBudget)
	defer cancel()

	if err := b.Flush(ctx); err != nil {
		log.Printf("bundler: flush failed, queue paused: %v", err)
	}
}

// Flush drains every room's waiting jobs: persisted jobs are dropped, the
// duplicate window is re-checked for the rest, and survivors are inserted in
// one batch per room. On any storage error the room's jobs are kept and the
// queue pauses.
func (b *Bundler) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := make(map[string][]job, len(b.queues))
	for chatID, jobs := range b.queues {
		pending[chatID] = jobs
	}
	b.queues = make(map[string][]job)
	b.depth = 0
	b.mu.Unlock()

	for chatID, jobs := range pending {
		if err := b.flushRoomSafe(ctx, chatID, jobs); err != nil {
			// Keep this room's jobs (and any rooms not yet reached) queued.
			b.requeue(pending, chatID)
			b.mu.Lock()
			b.paused = true
			b.pausedAt = time.Now()
			b.mu.Unlock()
			return err
		}
		b.dropped(len(jobs))
		delete(pending, chatID)
	}
	return nil
}

// flushRoomSafe converts a panic from the storage path into an error so a
// poisoned job pauses the queue like any other failure instead of losing
// the room's jobs.
func (b *Bundler) flushRoomSafe(ctx context.Context, chatID string, jobs []job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bundler: panic flushing room %s: %v", chatID, r)
		}
	}()
	return b.flushRoom(ctx, chatID, jobs)
}

// flushRoom persists one room's surviving jobs as a batch.
func (b *Bundler) flushRoom(ctx context.Context, chatID string, jobs []job) error {
	batch := make([]*chat.Message, 0, len(jobs))
	for _, j := range jobs {
		if j.persisted {
			continue
		}
		dup, err := b.store.FindRecentDuplicate(ctx, chatID, j.msg.SenderID, j.msg.Content, chat.DedupWindow)
		if err != nil {
			return err
		}
		if dup != nil {
			continue
		}
		batch = append(batch, j.msg)
	}

	if len(batch) == 0 {
		return nil
	}
	return b.store.CreateMessages(ctx, batch)
}

// requeue puts not-yet-flushed rooms back, in front of anything enqueued
// meanwhile.
func (b *Bundler) requeue(pending map[string][]job, failedRoom string) {
	b.mu.Lock()
	for chatID, jobs := range pending {
		if chatID != failedRoom && len(jobs) == 0 {
			continue
		}
		b.queues[chatID] = append(jobs, b.queues[chatID]...)
		b.depth += len(jobs)
	}
	b.mu.Unlock()
}

func (b *Bundler) dropped(n int) {
	metrics.BundlerQueueDepth.Sub(float64(n))
}
