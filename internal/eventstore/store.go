// Package eventstore persists bus events to SQLite so a separate process
// can poll "everything after id N". It is an alternative transport behind
// the same publish interface, not a replacement for the in-memory bus.
package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/bhanudas/sf-agentbench/internal/eventbus"
)

// Store is an append-only SQLite event log
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New opens (and migrates) the event database at dbPath
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists one event and returns its sequence id
func (s *Store) Append(ev eventbus.Event) (int64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}

	res, err := s.db.Exec(`
		INSERT INTO events (timestamp, kind, source, work_unit_id, data)
		VALUES (?, ?, ?, ?, ?)
	`,
		ev.Timestamp.Format(time.RFC3339Nano),
		string(ev.Kind),
		ev.Source(),
		ev.WorkUnitRef(),
		string(data),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Stored pairs an event with its sequence id
type Stored struct {
	ID    int64
	Event eventbus.Event
}

// EventsSince returns up to limit events with id > sinceID, oldest first.
// sourceFilter, when non-empty, matches the source column with LIKE.
func (s *Store) EventsSince(sinceID int64, limit int, sourceFilter string) ([]Stored, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, data FROM events WHERE id > ?`
	args := []any{sinceID}

	if sourceFilter != "" {
		query += ` AND source LIKE ?`
		args = append(args, "%"+sourceFilter+"%")
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Stored
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var ev eventbus.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", id, err)
		}
		out = append(out, Stored{ID: id, Event: ev})
	}
	return out, rows.Err()
}

// LatestID returns the highest sequence id, 0 when empty
func (s *Store) LatestID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Clear deletes events with id < beforeID; beforeID <= 0 clears everything.
// Returns the number of rows removed.
func (s *Store) Clear(beforeID int64) (int64, error) {
	var res sql.Result
	var err error
	if beforeID <= 0 {
		res, err = s.db.Exec(`DELETE FROM events`)
	} else {
		res, err = s.db.Exec(`DELETE FROM events WHERE id < ?`, beforeID)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnitSnapshot is the latest known state of one work unit
type UnitSnapshot struct {
	WorkUnitID string   `json:"work_unit_id"`
	Status     string   `json:"status"`
	Progress   *float64 `json:"progress,omitempty"`
}

// ActiveWorkUnits returns the most recent non-terminal status per unit,
// derived from stored status events
func (s *Store) ActiveWorkUnits() ([]UnitSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT work_unit_id, data, MAX(id)
		FROM events
		WHERE kind = 'status' AND work_unit_id != ''
		GROUP BY work_unit_id
		ORDER BY MAX(id) DESC
		LIMIT 50
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnitSnapshot
	for rows.Next() {
		var unitID, data string
		var latest int64
		if err := rows.Scan(&unitID, &data, &latest); err != nil {
			return nil, err
		}
		var ev eventbus.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Status == nil {
			continue
		}
		status := ev.Status.Status
		switch status {
		case "completed", "failed", "cancelled", "timeout":
			continue
		}
		out = append(out, UnitSnapshot{
			WorkUnitID: unitID,
			Status:     status,
			Progress:   ev.Status.Progress,
		})
	}
	return out, rows.Err()
}

// Attach wildcard-subscribes the store to a bus so every published event is
// persisted. Returns the subscription token for Unsubscribe.
func (s *Store) Attach(bus *eventbus.Bus) int {
	return bus.SubscribeAll(func(ev eventbus.Event) {
		if _, err := s.Append(ev); err != nil {
			s.log.Error("persisting event", zap.Error(err), zap.String("kind", string(ev.Kind)))
		}
	})
}
