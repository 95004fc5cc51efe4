package ticket

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codeready-toolchain/operant/pkg/database"
	"github.com/codeready-toolchain/operant/pkg/subject"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrations returns the embedded schema for the tickets store, for callers
// that want to apply it against a handle they opened themselves (tests,
// CLI bootstrapping).
func Migrations() ([]database.Migration, error) {
	return database.LoadMigrations(migrationsFS, "migrations")
}

// ErrNotFound is returned when a ticket id doesn't exist.
var ErrNotFound = errors.New("ticket not found")

// ErrHeld is returned by Resolve when the ticket is held.
var ErrHeld = errors.New("ticket is held")

// Store is the persistent ticket store described in spec.md §4.2.
type Store struct {
	db *sqlx.DB
}

// NewStore opens store.db (already migrated) as a ticket Store.
func NewStore(client *database.Client) *Store {
	return &Store{db: client.DB()}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// row mirrors the tickets table's on-disk shape (strings/ints for SQLite's
// limited type system), converted to/from Ticket at the store boundary.
type row struct {
	ID              int64   `db:"id"`
	ViolationKey    string  `db:"violation_key"`
	InvariantName   string  `db:"invariant_name"`
	EntityID        *string `db:"entity_id"`
	Message         string  `db:"message"`
	Severity        string  `db:"severity"`
	FirstSeen       string  `db:"first_seen"`
	LastSeen        string  `db:"last_seen"`
	Created         string  `db:"created"`
	Updated         string  `db:"updated"`
	Resolved        *string `db:"resolved"`
	Status          string  `db:"status"`
	Held            bool    `db:"held"`
	OccurrenceCount int     `db:"occurrence_count"`
	BatchKey        *string `db:"batch_key"`
	MetricSnapshot  *string `db:"metric_snapshot"`
	Diagnosis       *string `db:"diagnosis"`
	SubjectContext  *string `db:"subject_context"`
}

func (r *row) toTicket() (*Ticket, error) {
	firstSeen, err := parseTime(r.FirstSeen)
	if err != nil {
		return nil, fmt.Errorf("parse first_seen: %w", err)
	}
	lastSeen, err := parseTime(r.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	created, err := parseTime(r.Created)
	if err != nil {
		return nil, fmt.Errorf("parse created: %w", err)
	}
	updated, err := parseTime(r.Updated)
	if err != nil {
		return nil, fmt.Errorf("parse updated: %w", err)
	}
	var resolved *time.Time
	if r.Resolved != nil {
		ts, err := parseTime(*r.Resolved)
		if err != nil {
			return nil, fmt.Errorf("parse resolved: %w", err)
		}
		resolved = &ts
	}

	return &Ticket{
		ID:              r.ID,
		ViolationKey:    r.ViolationKey,
		InvariantName:   r.InvariantName,
		EntityID:        r.EntityID,
		Message:         r.Message,
		Severity:        r.Severity,
		FirstSeen:       firstSeen,
		LastSeen:        lastSeen,
		Created:         created,
		Updated:         updated,
		Resolved:        resolved,
		Status:          Status(r.Status),
		Held:            r.Held,
		OccurrenceCount: r.OccurrenceCount,
		BatchKey:        r.BatchKey,
		MetricSnapshot:  r.MetricSnapshot,
		Diagnosis:       r.Diagnosis,
		SubjectContext:  r.SubjectContext,
	}, nil
}

// CreateOrUpdateTicket is the atomic dedup/reopen operation described in
// spec.md §4.2: bumps an existing open ticket sharing violation.Key(), or
// inserts a new one. A diagnosed ticket that re-fires reverts to open with
// its diagnosis cleared.
func (s *Store) CreateOrUpdateTicket(ctx context.Context, v subject.Violation, metricSnapshot *string, batchKey *string) (*Ticket, error) {
	now := time.Now()
	key := string(v.Key())

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing row
	err = tx.GetContext(ctx, &existing,
		`SELECT * FROM tickets WHERE violation_key = ? AND status != 'resolved'`, key)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tickets
				(violation_key, invariant_name, entity_id, message, severity,
				 first_seen, last_seen, created, updated, status, held,
				 occurrence_count, batch_key, metric_snapshot)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', 0, 1, ?, ?)`,
			key, v.InvariantName, v.EntityID, v.Message, v.Severity,
			formatTime(v.FirstSeen), formatTime(v.LastSeen), formatTime(now), formatTime(now),
			batchKey, metricSnapshot)
		if err != nil {
			return nil, fmt.Errorf("insert ticket: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return s.Get(ctx, id)

	case err != nil:
		return nil, fmt.Errorf("query existing ticket: %w", err)
	}

	newStatus := existing.Status
	var diagnosis *string
	held := existing.Held
	if existing.Status == string(StatusDiagnosed) {
		newStatus = string(StatusOpen)
		diagnosis = nil
		held = false
	} else {
		diagnosis = existing.Diagnosis
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET
			last_seen = ?, updated = ?, message = ?,
			occurrence_count = occurrence_count + 1,
			status = ?, held = ?, diagnosis = ?, batch_key = COALESCE(?, batch_key)
		WHERE id = ?`,
		formatTime(v.LastSeen), formatTime(now), v.Message,
		newStatus, held, diagnosis, batchKey, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.Get(ctx, existing.ID)
}

// List returns tickets, optionally filtered by status.
func (s *Store) List(ctx context.Context, status *Status) ([]*Ticket, error) {
	var rows []row
	var err error
	if status != nil {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM tickets WHERE status = ? ORDER BY created DESC`, string(*status))
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM tickets ORDER BY created DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return rowsToTickets(rows)
}

// ListByInvariant returns the most recent tickets for invariantName, for
// the diagnosis context gatherer's "N similar past tickets" lookup.
func (s *Store) ListByInvariant(ctx context.Context, invariantName string, limit int) ([]*Ticket, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tickets WHERE invariant_name = ? ORDER BY created DESC LIMIT ?`,
		invariantName, limit)
	if err != nil {
		return nil, fmt.Errorf("list tickets by invariant: %w", err)
	}
	return rowsToTickets(rows)
}

func rowsToTickets(rows []row) ([]*Ticket, error) {
	tickets := make([]*Ticket, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTicket()
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// Get retrieves one ticket by id.
func (s *Store) Get(ctx context.Context, id int64) (*Ticket, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM tickets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return r.toTicket()
}

// Resolve marks a ticket resolved, unless it is held.
func (s *Store) Resolve(ctx context.Context, id int64) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Held {
		return fmt.Errorf("%w: id=%d", ErrHeld, id)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE tickets SET status = 'resolved', resolved = ?, updated = ? WHERE id = ?`,
		formatTime(now), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("resolve ticket: %w", err)
	}
	return nil
}

// Hold sets the held flag, preventing auto-resolve.
func (s *Store) Hold(ctx context.Context, id int64) error {
	return s.setHeld(ctx, id, true)
}

// Unhold clears the held flag.
func (s *Store) Unhold(ctx context.Context, id int64) error {
	return s.setHeld(ctx, id, false)
}

func (s *Store) setHeld(ctx context.Context, id int64, held bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET held = ?, updated = ? WHERE id = ?`, held, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set held: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return nil
}

// UpdateDiagnosis persists the agent's diagnosis markdown and transitions
// the ticket to diagnosed.
func (s *Store) UpdateDiagnosis(ctx context.Context, id int64, markdown string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET diagnosis = ?, status = 'diagnosed', updated = ? WHERE id = ?`,
		markdown, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update diagnosis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return nil
}

// AutoResolveCleared resolves every non-held, non-resolved ticket whose
// violation key is absent from currentKeys. Returns the count resolved.
// Callers must never call this after a failed observation — spec.md §4.3
// and §7 are explicit that a transient observe error must skip straight to
// sleep, producing no auto-resolve wave at all.
func (s *Store) AutoResolveCleared(ctx context.Context, currentKeys map[subject.ViolationKey]bool) (int, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tickets WHERE status != 'resolved' AND held = 0`)
	if err != nil {
		return 0, fmt.Errorf("list open tickets: %w", err)
	}

	now := formatTime(time.Now())
	count := 0
	for _, r := range rows {
		if currentKeys[subject.ViolationKey(r.ViolationKey)] {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE tickets SET status = 'resolved', resolved = ?, updated = ? WHERE id = ?`,
			now, now, r.ID); err != nil {
			return count, fmt.Errorf("auto-resolve ticket %d: %w", r.ID, err)
		}
		count++
	}
	return count, nil
}
