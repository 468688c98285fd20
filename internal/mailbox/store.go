// Package mailbox implements the durable per-(run, recipient) message log.
//
// Messages are opaque byte strings appended under a strictly increasing,
// gapless sequence number scoped to one recipient within one run. Delivery is
// pull-based and at-least-once: Poll never mutates anything, and the read
// cursor only advances on an explicit Ack, so a recipient that crashes before
// acknowledging re-reads the identical batch on its next poll.
package mailbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"fedrelay/internal/domain"
	"fedrelay/internal/repo"
)

var (
	// ErrUnknownRecipient means the recipient is neither a participant of the
	// run nor its coordinator.
	ErrUnknownRecipient = errors.New("unknown recipient")
	// ErrStaleCursor means the supplied cursor is below the retention floor
	// and the client must resynchronize.
	ErrStaleCursor = errors.New("stale cursor")
)

type Store struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB) *Store {
	return &Store{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex serializing appends for one (run, recipient) pair.
func (s *Store) lock(runID, recipientID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runID + "\x00" + recipientID
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append stores one message for the recipient and returns its sequence
// number. The payload is never inspected; only membership is validated.
//
// Lock order is the transaction first, then the pair mutex. AppendTx callers
// arrive holding a transaction, so taking the mutex before BeginTx here would
// invert the order against them.
func (s *Store) Append(ctx context.Context, runID, recipientID, senderID string, payload []byte) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	l := s.lock(runID, recipientID)
	l.Lock()
	defer l.Unlock()

	seq, err := s.appendTx(ctx, tx, runID, recipientID, senderID, payload, true)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// AppendTx appends within a caller-owned transaction. Used by the run state
// machine so a state flip and its broadcast commit or roll back as one unit.
// The caller is responsible for holding the run-level serialization; the
// per-recipient append lock is still taken here, after the transaction the
// caller already holds.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, runID, recipientID, senderID string, payload []byte) (int64, error) {
	l := s.lock(runID, recipientID)
	l.Lock()
	defer l.Unlock()
	return s.appendTx(ctx, tx, runID, recipientID, senderID, payload, false)
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, runID, recipientID, senderID string, payload []byte, validate bool) (int64, error) {
	if validate {
		ok, err := s.validRecipient(ctx, tx, runID, recipientID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: site %s in run %s", ErrUnknownRecipient, recipientID, runID)
		}
	}
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0)+1 FROM mailbox_messages WHERE run_id=? AND recipient_id=?`,
		runID, recipientID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	createdAt := s.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mailbox_messages(run_id,recipient_id,seq,sender_id,payload,created_at) VALUES (?,?,?,?,?,?)`,
		runID, recipientID, seq, senderID, payload, createdAt); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO mailbox_cursors(run_id,recipient_id,acked_seq,floor_seq) VALUES (?,?,0,0)`,
		runID, recipientID); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) validRecipient(ctx context.Context, tx *sql.Tx, runID, recipientID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM run_participants WHERE run_id=? AND site_id=? LIMIT 1`, runID, recipientID)
	var one int
	err := row.Scan(&one)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}
	// The coordinator has a mailbox too (progress echoes, failure notices).
	row = tx.QueryRowContext(ctx,
		`SELECT 1 FROM runs r JOIN projects p ON p.id=r.project_id WHERE r.id=? AND p.coordinator_id=? LIMIT 1`,
		runID, recipientID)
	err = row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Poll returns messages with seq > cursor in ascending order, up to maxBatch,
// and the cursor value the client should acknowledge after processing them.
// An empty mailbox yields an empty slice, not an error. Polling is read-only:
// repeating a poll with the same cursor returns the same batch.
func (s *Store) Poll(ctx context.Context, runID, recipientID string, cursor int64, maxBatch int) ([]domain.Message, int64, error) {
	if maxBatch < 1 {
		maxBatch = 1
	}
	var floor int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT floor_seq FROM mailbox_cursors WHERE run_id=? AND recipient_id=?`,
		runID, recipientID).Scan(&floor)
	if err != nil && err != sql.ErrNoRows {
		return nil, 0, err
	}
	if cursor < floor {
		return nil, 0, fmt.Errorf("%w: cursor %d below retention floor %d", ErrStaleCursor, cursor, floor)
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT run_id,recipient_id,seq,sender_id,payload,created_at FROM mailbox_messages
		 WHERE run_id=? AND recipient_id=? AND seq>? ORDER BY seq LIMIT ?`,
		runID, recipientID, cursor, maxBatch)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	msgs := []domain.Message{}
	next := cursor
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.RunID, &m.RecipientID, &m.Seq, &m.SenderID, &m.Payload, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, m)
		next = m.Seq
	}
	return msgs, next, rows.Err()
}

// Ack advances the recipient's read cursor to upTo. Acks at or behind the
// current cursor are silently ignored so duplicate or reordered acks are safe.
func (s *Store) Ack(ctx context.Context, runID, recipientID string, upTo int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE mailbox_cursors SET acked_seq=? WHERE run_id=? AND recipient_id=? AND acked_seq<?`,
		upTo, runID, recipientID, upTo)
	return err
}

// Cursor returns the recipient's acknowledged cursor.
func (s *Store) Cursor(ctx context.Context, runID, recipientID string) (int64, error) {
	var acked int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT acked_seq FROM mailbox_cursors WHERE run_id=? AND recipient_id=?`,
		runID, recipientID).Scan(&acked)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return acked, err
}

// Compact deletes acknowledged messages older than the retention window and
// raises the retention floor. keep is the number of acknowledged messages
// retained for redelivery.
func (s *Store) Compact(ctx context.Context, runID, recipientID string, keep int) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	l := s.lock(runID, recipientID)
	l.Lock()
	defer l.Unlock()

	var acked, floor int64
	err = tx.QueryRowContext(ctx,
		`SELECT acked_seq,floor_seq FROM mailbox_cursors WHERE run_id=? AND recipient_id=?`,
		runID, recipientID).Scan(&acked, &floor)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	newFloor := acked - int64(keep)
	if newFloor <= floor {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mailbox_messages WHERE run_id=? AND recipient_id=? AND seq<=?`,
		runID, recipientID, newFloor); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE mailbox_cursors SET floor_seq=? WHERE run_id=? AND recipient_id=?`,
		newFloor, runID, recipientID); err != nil {
		return err
	}
	return tx.Commit()
}

// Recipients lists every mailbox of a run, for maintenance sweeps.
func (s *Store) Recipients(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT recipient_id FROM mailbox_cursors WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
