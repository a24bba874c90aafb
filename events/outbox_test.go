package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRelayMarksDeliveredAndFailed(t *testing.T) {
	pool := &fakePool{rows: []Message{
		{ID: "1", Topic: "mandate.created", Payload: []byte(`{}`), Status: "pending"},
		{ID: "2", Topic: "escrow.released", Payload: []byte(`{}`), Status: "pending", Attempts: 9},
	}}
	sink := &fakeSink{failTopic: "escrow.released"}
	relay := NewRelay(pool, sink, 10)

	sent, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 delivered message, got %d", sent)
	}
	if !pool.tx.committed {
		t.Errorf("expected relay batch to commit")
	}
	if len(sink.sent) != 1 || sink.sent[0].ID != "1" {
		t.Errorf("unexpected sink contents %+v", sink.sent)
	}

	if len(pool.tx.execs) != 2 {
		t.Fatalf("expected 2 status updates, got %d", len(pool.tx.execs))
	}
	if !strings.Contains(pool.tx.execs[0].sql, "status = 'sent'") {
		t.Errorf("expected first message marked sent, got %q", pool.tx.execs[0].sql)
	}
	if got := pool.tx.execs[1].args[1]; got != "failed" {
		t.Errorf("expected exhausted message marked failed, got %v", got)
	}
}

func TestOutboxPublisherInsertsOneRowPerEvent(t *testing.T) {
	tx := &fakeTx{}
	pub := NewOutboxPublisher(tx)
	err := pub.Publish(context.Background(),
		MandateCreated("m-1", "e-1", "r", "p", 1, at),
		MandateStateChanged("m-1", "proposed", "accepted", at),
	)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(tx.execs) != 2 {
		t.Fatalf("expected 2 inserts, got %d", len(tx.execs))
	}
	if got := tx.execs[1].args[1]; got != "mandate.state_changed" {
		t.Errorf("expected topic mandate.state_changed, got %v", got)
	}
}

type fakeSink struct {
	failTopic string
	sent      []Message
}

func (s *fakeSink) Send(_ context.Context, m Message) error {
	if m.Topic == s.failTopic {
		return errors.New("broker unavailable")
	}
	s.sent = append(s.sent, m)
	return nil
}

type fakePool struct {
	rows []Message
	tx   *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{rows: f.rows}
	return f.tx, nil
}

type execCall struct {
	sql  string
	args []any
}

type fakeTx struct {
	rows      []Message
	execs     []execCall
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{msgs: f.rows, idx: -1}, nil
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeRows struct {
	msgs []Message
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.msgs)
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) != 6 {
		return fmt.Errorf("expected 6 scan targets, got %d", len(dest))
	}
	m := r.msgs[r.idx]
	*dest[0].(*string) = m.ID
	*dest[1].(*string) = m.Topic
	*dest[2].(*[]byte) = m.Payload
	*dest[3].(*string) = m.Status
	*dest[4].(*int) = m.Attempts
	*dest[5].(*time.Time) = m.CreatedAt
	return nil
}
