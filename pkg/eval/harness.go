package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/operant/pkg/audit"
	"github.com/codeready-toolchain/operant/pkg/subject"
	"github.com/codeready-toolchain/operant/pkg/ticket"
)

const (
	waitHealthyTimeout     = 120 * time.Second
	baselineRecoveryWindow = 300 * time.Second
)

// ticketResolutionWindow and ticketPollInterval are vars, not consts, so
// tests can shrink them instead of waiting out the real windows.
var (
	ticketResolutionWindow = 300 * time.Second
	ticketPollInterval     = 2 * time.Second
)

// RunTrial runs one reset → inject chaos → observe → cleanup cycle against
// subj and returns the resulting Trial, unpersisted — the caller inserts
// it via Store.InsertTrial. Grounded on runner/harness.py's run_trial.
func RunTrial(ctx context.Context, subj subject.ChaosInjector, tickets *ticket.Store, auditor *audit.Store, chaosType string, chaosParams map[string]any, baseline bool) (*Trial, error) {
	log := slog.Default().With("component", "eval", "chaos_type", chaosType, "baseline", baseline)

	startedAt := time.Now()
	if err := subj.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset subject: %w", err)
	}
	if err := subj.WaitHealthy(ctx, waitHealthyTimeout); err != nil {
		return nil, fmt.Errorf("wait healthy before chaos: %w", err)
	}

	initialState, err := subj.CaptureState(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture initial state: %w", err)
	}

	chaosInjectedAt := time.Now()
	chaosMetadata, err := subj.InjectChaos(ctx, chaosType, chaosParams)
	if err != nil {
		return nil, fmt.Errorf("inject chaos: %w", err)
	}

	var ticketCreatedAt, resolvedAt *time.Time
	var commands []CommandEntry

	if baseline {
		if err := subj.WaitHealthy(ctx, baselineRecoveryWindow); err != nil {
			log.Warn("baseline trial did not self-heal within window", "error", err)
		}
	} else {
		ticketCreatedAt, resolvedAt, err = waitForTicketResolution(ctx, tickets, startedAt, ticketResolutionWindow, ticketPollInterval)
		if err != nil {
			return nil, fmt.Errorf("wait for ticket resolution: %w", err)
		}
		if ticketCreatedAt != nil {
			commands, err = extractCommands(ctx, auditor, startedAt)
			if err != nil {
				log.Warn("extracting commands for trial failed", "error", err)
			}
		}
	}

	finalState, err := subj.CaptureState(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture final state: %w", err)
	}
	endedAt := time.Now()

	// Chaos cleanup is best-effort: some chaos types (node_kill) may leave
	// nothing to clean up, and a cleanup failure must not fail the trial.
	if err := subj.CleanupChaos(ctx, chaosMetadata); err != nil {
		log.Warn("chaos cleanup failed", "error", err)
	}

	return &Trial{
		StartedAt:       startedAt,
		ChaosInjectedAt: chaosInjectedAt,
		TicketCreatedAt: ticketCreatedAt,
		ResolvedAt:      resolvedAt,
		EndedAt:         endedAt,
		InitialState:    initialState,
		FinalState:      finalState,
		ChaosMetadata:   chaosMetadata,
		Commands:        commands,
	}, nil
}

// waitForTicketResolution polls the most recently created ticket every
// pollInterval until it was created at or after startedAfter and has
// resolved, or timeout elapses. On timeout it returns (nil, nil, nil) — not
// an error — matching wait_for_ticket_resolution's "give up quietly"
// behavior: a trial that never detects the fault is scored as a timeout,
// not a harness failure.
func waitForTicketResolution(ctx context.Context, tickets *ticket.Store, startedAfter time.Time, timeout, pollInterval time.Duration) (*time.Time, *time.Time, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		all, err := tickets.List(ctx, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("list tickets: %w", err)
		}
		if len(all) > 0 {
			t := all[0]
			if !t.Created.Before(startedAfter) && t.Status == ticket.StatusResolved && t.Resolved != nil {
				created := t.Created
				resolved := *t.Resolved
				return &created, &resolved, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// extractCommands reads every "proposed" audit event since since and
// correlates each with its terminal event to determine success, matching
// harness.py's extract_commands_from_operator_db.
func extractCommands(ctx context.Context, auditor *audit.Store, since time.Time) ([]CommandEntry, error) {
	proposed, err := auditor.GetEventsSince(ctx, since, audit.EventProposed)
	if err != nil {
		return nil, fmt.Errorf("list proposed events: %w", err)
	}

	commands := make([]CommandEntry, 0, len(proposed))
	for _, ev := range proposed {
		var data struct {
			ActionName string         `json:"action_name"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.Unmarshal([]byte(ev.EventData), &data); err != nil {
			continue
		}
		commands = append(commands, CommandEntry{
			ActionName: data.ActionName,
			Parameters: data.Parameters,
			Success:    commandSucceeded(ctx, auditor, ev.ProposalID),
			Timestamp:  ev.Timestamp,
		})
	}
	return commands, nil
}

func commandSucceeded(ctx context.Context, auditor *audit.Store, proposalID *int64) bool {
	if proposalID == nil {
		return true
	}
	failed := audit.EventFailed
	if events, err := auditor.GetEvents(ctx, proposalID, &failed, 1); err == nil && len(events) > 0 {
		return false
	}
	return true
}

// ChaosSpec is one chaos type (with optional parameters) a campaign
// exercises.
type ChaosSpec struct {
	Type   string
	Params map[string]any
}

// CampaignConfig is the matrix a config-driven campaign expands, matching
// the YAML shape cli.py's "run campaign" command loads.
type CampaignConfig struct {
	Name                 string
	Subjects             []string
	ChaosTypes           []ChaosSpec
	TrialsPerCombination int
	Parallel             int
	CooldownSeconds      time.Duration
	IncludeBaseline      bool
	Variant              string
}

// trialSpec is one expanded (subject, chaos type, baseline?) cell of the
// campaign matrix.
type trialSpec struct {
	SubjectName string
	ChaosType   string
	ChaosParams map[string]any
	Baseline    bool
}

// expandCampaignMatrix expands subjects × chaos types × trials into
// trialSpecs, doubling each combination with a baseline variant when
// IncludeBaseline is set — matching expand_campaign_matrix.
func expandCampaignMatrix(cfg CampaignConfig) []trialSpec {
	var specs []trialSpec
	for _, subjectName := range cfg.Subjects {
		for _, chaos := range cfg.ChaosTypes {
			for i := 0; i < cfg.TrialsPerCombination; i++ {
				specs = append(specs, trialSpec{SubjectName: subjectName, ChaosType: chaos.Type, ChaosParams: chaos.Params})
			}
			if cfg.IncludeBaseline {
				for i := 0; i < cfg.TrialsPerCombination; i++ {
					specs = append(specs, trialSpec{SubjectName: subjectName, ChaosType: chaos.Type, ChaosParams: chaos.Params, Baseline: true})
				}
			}
		}
	}
	return specs
}

// SubjectFactory builds a fresh subject instance for one trial — a
// campaign resets and re-injects chaos against an independent subject
// handle per trial so concurrent trials never share connection state.
type SubjectFactory func(subjectName string) (subject.ChaosInjector, error)

// RunCampaign runs trialCount sequential trials of one subject/chaos-type
// combination, matching harness.py's run_campaign (the simpler,
// backward-compatible sibling of run_campaign_from_config).
func RunCampaign(ctx context.Context, subj subject.ChaosInjector, tickets *ticket.Store, auditor *audit.Store, store *Store, subjectName, chaosType string, trialCount int, baseline bool) (int64, error) {
	campaignID, err := store.InsertCampaign(ctx, &Campaign{
		SubjectName: subjectName,
		ChaosType:   chaosType,
		TrialCount:  trialCount,
		Baseline:    baseline,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}

	log := slog.Default().With("component", "eval", "campaign", campaignID)
	for i := 0; i < trialCount; i++ {
		trial, err := RunTrial(ctx, subj, tickets, auditor, chaosType, nil, baseline)
		if err != nil {
			log.Error("trial failed", "trial_num", i+1, "error", err)
			continue
		}
		trial.CampaignID = campaignID
		if _, err := store.InsertTrial(ctx, trial); err != nil {
			log.Error("persisting trial failed", "trial_num", i+1, "error", err)
		}
	}

	return campaignID, nil
}

// RunCampaignFromConfig expands cfg's matrix and runs every trial spec
// through a semaphore-bounded worker pool, with a per-worker cooldown
// after each successful trial. One trial's failure is logged and does not
// abort the campaign, matching harness.py's run_campaign_from_config.
func RunCampaignFromConfig(ctx context.Context, factory SubjectFactory, tickets *ticket.Store, auditor *audit.Store, store *Store, cfg CampaignConfig) (int64, error) {
	specs := expandCampaignMatrix(cfg)

	subjectNames := make([]string, 0, len(cfg.Subjects))
	subjectNames = append(subjectNames, cfg.Subjects...)
	chaosTypeNames := make([]string, 0, len(cfg.ChaosTypes))
	for _, c := range cfg.ChaosTypes {
		chaosTypeNames = append(chaosTypeNames, c.Type)
	}

	campaignID, err := store.InsertCampaign(ctx, &Campaign{
		SubjectName: joinNames(subjectNames),
		ChaosType:   joinNames(chaosTypeNames),
		TrialCount:  len(specs),
		Baseline:    cfg.IncludeBaseline,
		VariantName: cfg.Variant,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}

	parallel := cfg.Parallel
	if parallel <= 0 {
		parallel = 1
	}

	log := slog.Default().With("component", "eval", "campaign", campaignID)
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	completed, failed := 0, 0

	for i, spec := range specs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, spec trialSpec) {
			defer wg.Done()
			defer func() { <-sem }()

			subj, err := factory(spec.SubjectName)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				log.Error("building subject for trial failed", "trial_num", i+1, "subject", spec.SubjectName, "error", err)
				return
			}

			chaosType := spec.ChaosType
			if spec.Baseline {
				chaosType = "none"
			}

			trial, err := RunTrial(ctx, subj, tickets, auditor, chaosType, spec.ChaosParams, spec.Baseline)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				log.Error("trial failed", "trial_num", i+1, "error", err)
				return
			}
			trial.CampaignID = campaignID
			if _, err := store.InsertTrial(ctx, trial); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				log.Error("persisting trial failed", "trial_num", i+1, "error", err)
				return
			}

			mu.Lock()
			completed++
			mu.Unlock()

			if cfg.CooldownSeconds > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(cfg.CooldownSeconds):
				}
			}
		}(i, spec)
	}

	wg.Wait()
	log.Info("campaign complete", "completed", completed, "failed", failed)

	return campaignID, nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
