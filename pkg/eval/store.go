package eval

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
)

//go:embed migrations
var migrationsFS embed.FS

// Migrations returns the embedded schema for the eval store.
func Migrations() ([]database.Migration, error) {
	return database.LoadMigrations(migrationsFS, "migrations")
}

// ErrNotFound is returned when a campaign or trial id doesn't exist.
var ErrNotFound = errors.New("eval: record not found")

const timeLayout = time.RFC3339Nano

// Store is the campaigns/trials persistence layer described in spec.md
// §6's "eval uses its own SQLite file" clause, matching runner/db.py's
// EvalDB.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an already-migrated eval database handle.
func NewStore(client *database.Client) *Store {
	return &Store{db: client.DB()}
}

type campaignRow struct {
	ID          int64  `db:"id"`
	SubjectName string `db:"subject_name"`
	ChaosType   string `db:"chaos_type"`
	TrialCount  int    `db:"trial_count"`
	Baseline    int    `db:"baseline"`
	VariantName string `db:"variant_name"`
	CreatedAt   string `db:"created_at"`
}

func (r *campaignRow) toCampaign() (*Campaign, error) {
	created, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &Campaign{
		ID:          r.ID,
		SubjectName: r.SubjectName,
		ChaosType:   r.ChaosType,
		TrialCount:  r.TrialCount,
		Baseline:    r.Baseline != 0,
		VariantName: r.VariantName,
		CreatedAt:   created,
	}, nil
}

// InsertCampaign persists campaign and returns its assigned id.
func (s *Store) InsertCampaign(ctx context.Context, c *Campaign) (int64, error) {
	variant := c.VariantName
	if variant == "" {
		variant = "default"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (subject_name, chaos_type, trial_count, baseline, variant_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.SubjectName, c.ChaosType, c.TrialCount, boolToInt(c.Baseline), variant, c.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("insert campaign: %w", err)
	}
	return res.LastInsertId()
}

// GetCampaign retrieves one campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	var r campaignRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM campaigns WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: campaign id=%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return r.toCampaign()
}

// ListCampaigns returns campaigns newest-first, paginated.
func (s *Store) ListCampaigns(ctx context.Context, limit, offset int) ([]*Campaign, error) {
	var rows []campaignRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM campaigns ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]*Campaign, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toCampaign()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// FindBaselineCampaign returns the most recent baseline=true campaign
// matching subjectName/chaosType, or nil if none exists — matching
// comparison.py's _find_baseline_campaign.
func (s *Store) FindBaselineCampaign(ctx context.Context, subjectName, chaosType string) (*Campaign, error) {
	var r campaignRow
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM campaigns
		WHERE subject_name = ? AND chaos_type = ? AND baseline = 1
		ORDER BY created_at DESC LIMIT 1`, subjectName, chaosType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find baseline campaign: %w", err)
	}
	return r.toCampaign()
}

// ListCampaignsByVariant returns non-baseline campaigns matching
// subjectName/chaosType, optionally restricted to variantNames — matching
// comparison.py's compare_variants query.
func (s *Store) ListCampaignsByVariant(ctx context.Context, subjectName, chaosType string, variantNames []string) ([]*Campaign, error) {
	query := `SELECT * FROM campaigns WHERE subject_name = ? AND chaos_type = ? AND baseline = 0`
	args := []any{subjectName, chaosType}
	if len(variantNames) > 0 {
		query += ` AND variant_name IN (?)`
		expanded, expArgs, err := sqlx.In(query, append(args, variantNames)...)
		if err != nil {
			return nil, fmt.Errorf("build variant query: %w", err)
		}
		query = expanded
		args = expArgs
	}

	var rows []campaignRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list campaigns by variant: %w", err)
	}
	out := make([]*Campaign, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toCampaign()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type trialRow struct {
	ID              int64   `db:"id"`
	CampaignID      int64   `db:"campaign_id"`
	StartedAt       string  `db:"started_at"`
	ChaosInjectedAt string  `db:"chaos_injected_at"`
	TicketCreatedAt *string `db:"ticket_created_at"`
	ResolvedAt      *string `db:"resolved_at"`
	EndedAt         string  `db:"ended_at"`
	InitialState    string  `db:"initial_state"`
	FinalState      string  `db:"final_state"`
	ChaosMetadata   string  `db:"chaos_metadata"`
	CommandsJSON    string  `db:"commands_json"`
}

func (r *trialRow) toTrial() (*Trial, error) {
	started, err := time.Parse(timeLayout, r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	injected, err := time.Parse(timeLayout, r.ChaosInjectedAt)
	if err != nil {
		return nil, fmt.Errorf("parse chaos_injected_at: %w", err)
	}
	ended, err := time.Parse(timeLayout, r.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}

	ticketCreated, err := parseOptionalTime(r.TicketCreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse ticket_created_at: %w", err)
	}
	resolved, err := parseOptionalTime(r.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("parse resolved_at: %w", err)
	}

	var initial, final, metadata map[string]any
	if err := json.Unmarshal([]byte(r.InitialState), &initial); err != nil {
		return nil, fmt.Errorf("decode initial_state: %w", err)
	}
	if err := json.Unmarshal([]byte(r.FinalState), &final); err != nil {
		return nil, fmt.Errorf("decode final_state: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ChaosMetadata), &metadata); err != nil {
		return nil, fmt.Errorf("decode chaos_metadata: %w", err)
	}
	var commands []CommandEntry
	if err := json.Unmarshal([]byte(r.CommandsJSON), &commands); err != nil {
		return nil, fmt.Errorf("decode commands_json: %w", err)
	}

	return &Trial{
		ID:              r.ID,
		CampaignID:      r.CampaignID,
		StartedAt:       started,
		ChaosInjectedAt: injected,
		TicketCreatedAt: ticketCreated,
		ResolvedAt:      resolved,
		EndedAt:         ended,
		InitialState:    initial,
		FinalState:      final,
		ChaosMetadata:   metadata,
		Commands:        commands,
	}, nil
}

// InsertTrial persists trial and returns its assigned id.
func (s *Store) InsertTrial(ctx context.Context, t *Trial) (int64, error) {
	initial, err := json.Marshal(t.InitialState)
	if err != nil {
		return 0, fmt.Errorf("marshal initial_state: %w", err)
	}
	final, err := json.Marshal(t.FinalState)
	if err != nil {
		return 0, fmt.Errorf("marshal final_state: %w", err)
	}
	metadata, err := json.Marshal(t.ChaosMetadata)
	if err != nil {
		return 0, fmt.Errorf("marshal chaos_metadata: %w", err)
	}
	commands := t.Commands
	if commands == nil {
		commands = []CommandEntry{}
	}
	commandsJSON, err := json.Marshal(commands)
	if err != nil {
		return 0, fmt.Errorf("marshal commands_json: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trials (
			campaign_id, started_at, chaos_injected_at, ticket_created_at,
			resolved_at, ended_at, initial_state, final_state, chaos_metadata, commands_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.CampaignID,
		t.StartedAt.UTC().Format(timeLayout),
		t.ChaosInjectedAt.UTC().Format(timeLayout),
		formatOptionalTime(t.TicketCreatedAt),
		formatOptionalTime(t.ResolvedAt),
		t.EndedAt.UTC().Format(timeLayout),
		string(initial), string(final), string(metadata), string(commandsJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("insert trial: %w", err)
	}
	return res.LastInsertId()
}

// GetTrials returns every trial for campaignID, ordered by id.
func (s *Store) GetTrials(ctx context.Context, campaignID int64) ([]*Trial, error) {
	var rows []trialRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM trials WHERE campaign_id = ? ORDER BY id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	out := make([]*Trial, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTrial()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTrial retrieves one trial by id.
func (s *Store) GetTrial(ctx context.Context, id int64) (*Trial, error) {
	var r trialRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM trials WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: trial id=%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trial: %w", err)
	}
	return r.toTrial()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}
