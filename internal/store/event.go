package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// LinkEvent is one recorded link state transition.
type LinkEvent struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Session   string    `json:"session,omitempty"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventRepository stores link state history.
type EventRepository struct {
	db *sql.DB
}

// Events returns the link event repository for this store.
func (s *Store) Events() *EventRepository {
	return &EventRepository{db: s.db}
}

// Record inserts e, assigning an ID and timestamp when unset.
func (r *EventRepository) Record(e *LinkEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.db.Exec(
		`INSERT INTO link_events (id, address, session, state, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Address, e.Session, e.State, e.Reason, e.CreatedAt.UTC(),
	)
	return err
}

// ListRecent returns up to limit events, newest first.
func (r *EventRepository) ListRecent(limit int) ([]*LinkEvent, error) {
	return r.query(
		`SELECT id, address, session, state, reason, created_at
		 FROM link_events ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		normalizeLimit(limit),
	)
}

// ListByAddress returns up to limit events for one device, newest first.
func (r *EventRepository) ListByAddress(address string, limit int) ([]*LinkEvent, error) {
	return r.query(
		`SELECT id, address, session, state, reason, created_at
		 FROM link_events WHERE address = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		address, normalizeLimit(limit),
	)
}

// Prune deletes events older than before and returns how many were removed.
func (r *EventRepository) Prune(before time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM link_events WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *EventRepository) query(q string, args ...any) ([]*LinkEvent, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*LinkEvent
	for rows.Next() {
		e := &LinkEvent{}
		if err := rows.Scan(&e.ID, &e.Address, &e.Session, &e.State, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
