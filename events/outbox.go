package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"clawtrust/db"
	"clawtrust/logger"
)

// Message is a row of the transactional outbox.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Sink receives relayed outbox messages.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// OutboxPublisher appends events to the outbox table. Pass a pgx.Tx to make
// the append part of the caller's transaction.
type OutboxPublisher struct {
	q db.Querier
}

func NewOutboxPublisher(q db.Querier) *OutboxPublisher {
	return &OutboxPublisher{q: q}
}

func (p *OutboxPublisher) Publish(ctx context.Context, evts ...Event) error {
	for _, e := range evts {
		body, err := e.Body()
		if err != nil {
			return fmt.Errorf("events: marshal outbox payload: %w", err)
		}
		const q = `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`
		if _, err := p.q.Exec(ctx, q, e.ID, string(e.Type), body); err != nil {
			return fmt.Errorf("events: enqueue outbox: %w", err)
		}
	}
	return nil
}

// Relay drains pending outbox rows into a Sink. Rows are claimed with
// FOR UPDATE SKIP LOCKED so several relays may run side by side.
type Relay struct {
	pool        db.TxBeginner
	sink        Sink
	batch       int
	maxAttempts int
	log         *slog.Logger
}

func NewRelay(pool db.TxBeginner, sink Sink, batch int) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{pool: pool, sink: sink, batch: batch, maxAttempts: 10, log: logger.Named("outbox")}
}

// RunOnce relays one batch and reports how many messages were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	sent := 0
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		const claim = `
			SELECT id::text, topic, payload, status, attempts, created_at
			FROM outbox
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`
		rows, err := tx.Query(ctx, claim, r.batch)
		if err != nil {
			return fmt.Errorf("events: claim outbox: %w", err)
		}
		var batch []Message
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("events: scan outbox: %w", err)
			}
			batch = append(batch, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("events: iterate outbox: %w", err)
		}

		for _, m := range batch {
			if err := r.sink.Send(ctx, m); err != nil {
				status := "pending"
				if m.Attempts+1 >= r.maxAttempts {
					status = "failed"
				}
				r.log.Warn("outbox delivery failed", "message_id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "error", err)
				if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2 WHERE id = $1`, m.ID, status); err != nil {
					return fmt.Errorf("events: record outbox failure: %w", err)
				}
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'sent', sent_at = NOW() WHERE id = $1`, m.ID); err != nil {
				return fmt.Errorf("events: mark outbox sent: %w", err)
			}
			sent++
		}
		return nil
	})
	return sent, err
}

// Run relays on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.RunOnce(ctx); err != nil {
				r.log.Error("outbox relay", "error", err)
			} else if n > 0 {
				r.log.Debug("outbox relayed", "count", n)
			}
		}
	}
}
