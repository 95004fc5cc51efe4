package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codeready-toolchain/operant/pkg/database"
	"github.com/codeready-toolchain/operant/pkg/redact"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrations returns the embedded schema for the audit store.
func Migrations() ([]database.Migration, error) {
	return database.LoadMigrations(migrationsFS, "migrations")
}

// ErrNotFound is returned when an event id doesn't exist.
var ErrNotFound = errors.New("audit event not found")

const timeLayout = time.RFC3339Nano

// Store is the append-only audit log described in spec.md §4.9/§7.
type Store struct {
	db     *sqlx.DB
	redact *redact.Service
}

// NewStore wraps an already-migrated audit database handle. redactor must
// not be nil — every write goes through it before it ever reaches disk.
func NewStore(client *database.Client, redactor *redact.Service) *Store {
	return &Store{db: client.DB(), redact: redactor}
}

type eventRow struct {
	ID         int64   `db:"id"`
	ProposalID *int64  `db:"proposal_id"`
	EventType  string  `db:"event_type"`
	EventData  *string `db:"event_data"`
	Actor      string  `db:"actor"`
	Timestamp  string  `db:"timestamp"`
}

func (r *eventRow) toEvent() (*Event, error) {
	ts, err := time.Parse(timeLayout, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	data := ""
	if r.EventData != nil {
		data = *r.EventData
	}
	return &Event{
		ID:         r.ID,
		ProposalID: r.ProposalID,
		EventType:  EventType(r.EventType),
		EventData:  data,
		Actor:      r.Actor,
		Timestamp:  ts,
	}, nil
}

// LogEvent redacts eventData (if any), serializes it, and appends one row.
// This is the only write path onto the table — spec.md §7's "redact before
// persist" ordering is enforced here, not left to callers.
func (s *Store) LogEvent(ctx context.Context, proposalID *int64, eventType EventType, eventData map[string]any, actor string, timestamp time.Time) error {
	var dataJSON *string
	if eventData != nil {
		redacted := s.redact.MaskEventData(eventData)
		b, err := json.Marshal(redacted)
		if err != nil {
			return fmt.Errorf("marshal event_data: %w", err)
		}
		s := string(b)
		dataJSON = &s
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_audit_log (proposal_id, event_type, event_data, actor, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		proposalID, string(eventType), dataJSON, actor, timestamp.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// GetEvents queries the log with optional proposalID/eventType filters,
// newest first.
func (s *Store) GetEvents(ctx context.Context, proposalID *int64, eventType *EventType, limit int) ([]*Event, error) {
	query := `SELECT * FROM action_audit_log WHERE 1=1`
	args := []any{}
	if proposalID != nil {
		query += ` AND proposal_id = ?`
		args = append(args, *proposalID)
	}
	if eventType != nil {
		query += ` AND event_type = ?`
		args = append(args, string(*eventType))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	events := make([]*Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// GetEventsSince returns events of eventType timestamped strictly after
// since, oldest first — the window-filtered scan the eval harness uses to
// extract the commands an agent ran during one trial.
func (s *Store) GetEventsSince(ctx context.Context, since time.Time, eventType EventType) ([]*Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM action_audit_log WHERE event_type = ? AND timestamp > ? ORDER BY timestamp ASC`,
		string(eventType), since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query audit events since: %w", err)
	}

	events := make([]*Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Get retrieves one event by id.
func (s *Store) Get(ctx context.Context, id int64) (*Event, error) {
	var r eventRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM action_audit_log WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return r.toEvent()
}
