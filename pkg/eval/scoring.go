package eval

import (
	"context"
	"fmt"
)

// ScoreTrial computes the basic score for one trial without a command
// classification pass — destructiveCount is left at zero, matching
// analysis/scoring.py's score_trial (the cheaper sibling of
// score_trial_with_commands).
func ScoreTrial(t *Trial, subjectName string) *TrialScore {
	healthy := IsFinalStateHealthy(t.FinalState, subjectName)
	resolved := t.ResolvedAt != nil && healthy

	outcome := OutcomeFailure
	switch {
	case resolved:
		outcome = OutcomeSuccess
	case t.ResolvedAt == nil && !healthy:
		outcome = OutcomeTimeout
	}

	unique := map[string]struct{}{}
	for _, c := range t.Commands {
		unique[commandGroupKey(c)] = struct{}{}
	}

	return &TrialScore{
		TrialID:            t.ID,
		TimeToDetectSec:    ComputeDurationSeconds(t.ChaosInjectedAt, t.TicketCreatedAt),
		TimeToResolveSec:   ComputeDurationSeconds(t.ChaosInjectedAt, t.ResolvedAt),
		Resolved:           resolved,
		Outcome:            outcome,
		CommandCount:       len(t.Commands),
		UniqueCommandCount: len(unique),
	}
}

// ScoreTrialWithCommands is ScoreTrial plus a real destructiveCount from a
// command classification pass, matching
// analysis/scoring.py's score_trial_with_commands.
func ScoreTrialWithCommands(ctx context.Context, classifier CommandClassifier, t *Trial, subjectName string) (*TrialScore, error) {
	score := ScoreTrial(t, subjectName)

	analysis, err := AnalyzeCommands(ctx, classifier, t.Commands)
	if err != nil {
		return nil, fmt.Errorf("analyze commands for trial %d: %w", t.ID, err)
	}
	score.DestructiveCount = analysis.DestructiveCount

	return score, nil
}

// AnalyzeCampaign scores every trial in campaignID and aggregates the
// results, matching analysis/scoring.py's analyze_campaign. When
// classifier is non-nil, each trial is scored with a command
// classification pass (includeCommandAnalysis); otherwise destructive
// counts stay at zero.
func AnalyzeCampaign(ctx context.Context, store *Store, classifier CommandClassifier, campaignID int64) (*CampaignSummary, error) {
	campaign, err := store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	trials, err := store.GetTrials(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	summary := &CampaignSummary{
		CampaignID:  campaignID,
		SubjectName: campaign.SubjectName,
		ChaosType:   campaign.ChaosType,
		TrialCount:  len(trials),
	}
	if len(trials) == 0 {
		return summary, nil
	}

	var detectTotal, resolveTotal float64
	var detectCount, resolveCount int

	for _, t := range trials {
		var score *TrialScore
		if classifier != nil {
			score, err = ScoreTrialWithCommands(ctx, classifier, t, campaign.SubjectName)
			if err != nil {
				return nil, err
			}
		} else {
			score = ScoreTrial(t, campaign.SubjectName)
		}

		switch score.Outcome {
		case OutcomeSuccess:
			summary.SuccessCount++
		case OutcomeTimeout:
			summary.TimeoutCount++
		default:
			summary.FailureCount++
		}

		if score.TimeToDetectSec != nil {
			detectTotal += *score.TimeToDetectSec
			detectCount++
		}
		if score.TimeToResolveSec != nil {
			resolveTotal += *score.TimeToResolveSec
			resolveCount++
		}

		summary.TotalCommands += score.CommandCount
		summary.TotalUniqueCommands += score.UniqueCommandCount
		summary.TotalDestructiveCommands += score.DestructiveCount
	}

	summary.WinRate = float64(summary.SuccessCount) / float64(len(trials))
	if detectCount > 0 {
		avg := detectTotal / float64(detectCount)
		summary.AvgTimeToDetectSec = &avg
	}
	if resolveCount > 0 {
		avg := resolveTotal / float64(resolveCount)
		summary.AvgTimeToResolveSec = &avg
	}

	return summary, nil
}
