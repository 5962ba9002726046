package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/skein-chat/skein/pkg/counter"
	"github.com/skein-chat/skein/pkg/database"
	"github.com/skein-chat/skein/pkg/protocol"
)

// Processor drains the outbox queue. Each worker claims one entry at a
// time with a visibility timeout, executes its fan-out task against
// redis or the offline inbox, and acks on success. Delivery is
// at-least-once; the redis idempotency marker makes the effects
// exactly-once.
type Processor struct {
	db       *database.DB
	counters *counter.Store
	metrics  *Metrics

	workers           int
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	maxAttempts       int
	idempotencyTTL    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates an outbox processor from server config.
func NewProcessor(db *database.DB, counters *counter.Store, metrics *Metrics, cfg OutboxSection) *Processor {
	return &Processor{
		db:                db,
		counters:          counters,
		metrics:           metrics,
		workers:           cfg.Workers,
		pollInterval:      time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		visibilityTimeout: time.Duration(cfg.VisibilityTimeoutSeconds) * time.Second,
		maxAttempts:       cfg.MaxAttempts,
		idempotencyTTL:    time.Duration(cfg.IdempotencyTTLHours) * time.Hour,
	}
}

// Start launches the worker pool.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
	log.Printf("Outbox processor started with %d workers", p.workers)
}

// Stop signals all workers and waits for in-flight entries to finish.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Printf("Outbox processor stopped")
}

func (p *Processor) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain until the queue is empty, then go back to polling.
		for {
			claimed, err := p.db.ClaimOutboxEntry(p.visibilityTimeout.Milliseconds())
			if err != nil {
				log.Printf("Outbox worker %d: claim failed: %v", id, err)
				break
			}
			if claimed == nil {
				break
			}
			p.process(ctx, claimed)

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

func (p *Processor) process(ctx context.Context, claimed *database.ClaimedEntry) {
	entry := claimed.Entry

	if err := entry.Validate(); err != nil {
		// Malformed entries can never succeed; park them for inspection.
		log.Printf("Outbox: dead-lettering malformed entry %d: %v", claimed.QueueID, err)
		p.deadLetter(claimed, entry.Task)
		return
	}

	fresh, err := p.counters.ClaimIdempotencyKey(ctx, entry.IdempotencyKey, p.idempotencyTTL)
	if err != nil {
		p.retry(claimed, entry.Task, err)
		return
	}
	if !fresh {
		// Another delivery of this entry already completed its effects.
		p.metrics.RecordOutboxDuplicate()
		if err := p.db.AckOutboxEntry(claimed.QueueID); err != nil {
			log.Printf("Outbox: ack of duplicate entry %d failed: %v", claimed.QueueID, err)
		}
		return
	}

	switch entry.Task {
	case protocol.TaskUnreadCounters:
		err = p.applyUnreadCounters(ctx, entry)
	case protocol.TaskOfflineInbox:
		err = p.applyOfflineInbox(ctx, entry)
	default:
		log.Printf("Outbox: dead-lettering entry %d with unknown task %q", claimed.QueueID, entry.Task)
		p.deadLetter(claimed, entry.Task)
		return
	}

	if err != nil {
		// Partial effects may have landed; release the entry marker so
		// the redelivery can run. Each per-recipient effect carries its
		// own guard (a counter marker, INSERT OR IGNORE for the inbox),
		// so the redelivery skips whatever already landed.
		if relErr := p.counters.ReleaseIdempotencyKey(ctx, entry.IdempotencyKey); relErr != nil {
			log.Printf("Outbox: failed to release idempotency key %s: %v", entry.IdempotencyKey, relErr)
		}
		p.retry(claimed, entry.Task, err)
		return
	}

	if err := p.db.AckOutboxEntry(claimed.QueueID); err != nil {
		log.Printf("Outbox: ack of entry %d failed: %v", claimed.QueueID, err)
		return
	}
	p.metrics.RecordOutboxProcessed(string(entry.Task), "ok")
}

func (p *Processor) applyUnreadCounters(ctx context.Context, entry protocol.OutboxEntry) error {
	for _, recipientID := range entry.RecipientIDs {
		if recipientID == entry.SenderID {
			continue
		}
		marker := fmt.Sprintf("%s:%d", entry.IdempotencyKey, recipientID)
		if _, err := p.counters.IncrUnreadOnce(ctx, recipientID, entry.ConversationID, 1, marker, p.idempotencyTTL); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) applyOfflineInbox(ctx context.Context, entry protocol.OutboxEntry) error {
	for _, recipientID := range entry.RecipientIDs {
		if recipientID == entry.SenderID {
			continue
		}
		connected, err := p.counters.IsConnected(ctx, recipientID)
		if err != nil {
			return err
		}
		if connected {
			continue
		}
		if err := p.db.InsertOfflineInbox(recipientID, entry.MessageID, entry.ConversationID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) retry(claimed *database.ClaimedEntry, task protocol.TaskKind, cause error) {
	if claimed.Attempt >= p.maxAttempts {
		log.Printf("Outbox: entry %d exhausted %d attempts, dead-lettering: %v", claimed.QueueID, claimed.Attempt, cause)
		p.deadLetter(claimed, task)
		return
	}

	backoff := backoffMillis(claimed.Attempt)
	log.Printf("Outbox: entry %d attempt %d failed, retrying in %dms: %v", claimed.QueueID, claimed.Attempt, backoff, cause)
	if err := p.db.RetryOutboxEntry(claimed.QueueID, backoff); err != nil {
		log.Printf("Outbox: scheduling retry for entry %d failed: %v", claimed.QueueID, err)
	}
	p.metrics.RecordOutboxRetry()
}

func (p *Processor) deadLetter(claimed *database.ClaimedEntry, task protocol.TaskKind) {
	if err := p.db.DeadLetterOutboxEntry(claimed.QueueID); err != nil {
		log.Printf("Outbox: dead-lettering entry %d failed: %v", claimed.QueueID, err)
		return
	}
	p.metrics.RecordOutboxDeadLettered()
	p.metrics.RecordOutboxProcessed(string(task), "dead")
}

// backoffMillis doubles per attempt, capped at 60s.
func backoffMillis(attempt int) int64 {
	ms := int64(1000)
	for i := 1; i < attempt && ms < 60000; i++ {
		ms *= 2
	}
	if ms > 60000 {
		ms = 60000
	}
	return ms
}
