package eval

import (
	"context"
	"fmt"
)

// BaselineComparison is the agent-vs-baseline metric breakdown, matching
// analysis/comparison.py's BaselineComparison.
type BaselineComparison struct {
	AgentCampaignID    int64
	BaselineCampaignID int64
	SubjectName        string
	ChaosType          string

	AgentTrialCount    int
	AgentWinRate       float64
	AgentAvgDetectSec  *float64
	AgentAvgResolveSec *float64

	BaselineTrialCount    int
	BaselineWinRate       float64
	BaselineAvgResolveSec *float64

	WinRateDelta     float64
	ResolveTimeDelta *float64

	Winner       string
	WinnerReason string
}

// CampaignComparison is a head-to-head win-rate comparison of two
// campaigns, matching analysis/comparison.py's CampaignComparison.
type CampaignComparison struct {
	CampaignAID int64
	CampaignBID int64
	SubjectName string
	ChaosType   string

	ATrialCount    int
	AWinRate       float64
	AAvgResolveSec *float64

	BTrialCount    int
	BWinRate       float64
	BAvgResolveSec *float64

	WinRateDelta     float64
	ResolveTimeDelta *float64

	Winner       string
	WinnerReason string
}

// VariantMetrics aggregates all campaigns/trials for one variant name.
type VariantMetrics struct {
	VariantName         string
	TrialCount          int
	SuccessCount        int
	WinRate             float64
	AvgTimeToDetectSec  *float64
	AvgTimeToResolveSec *float64
	AvgCommands         float64
}

// VariantComparison is the balanced scorecard across variants for one
// subject/chaos-type combination — deliberately has no winner
// determination, matching analysis/comparison.py's VariantComparison: the
// user interprets the tradeoffs.
type VariantComparison struct {
	SubjectName string
	ChaosType   string
	Variants    map[string]VariantMetrics
}

// determineWinner picks a label by win rate, falling back to resolution
// time as a tiebreaker, matching comparison.py's _determine_winner.
func determineWinner(aWinRate, bWinRate float64, aResolveSec, bResolveSec *float64, aLabel, bLabel string) (string, string) {
	if aWinRate > bWinRate {
		return aLabel, fmt.Sprintf("Higher win rate (%.1f%% vs %.1f%%)", aWinRate*100, bWinRate*100)
	}
	if bWinRate > aWinRate {
		return bLabel, fmt.Sprintf("Higher win rate (%.1f%% vs %.1f%%)", bWinRate*100, aWinRate*100)
	}

	if aResolveSec != nil && bResolveSec != nil {
		if *aResolveSec < *bResolveSec {
			return aLabel, fmt.Sprintf("Faster resolution (%.1fs vs %.1fs)", *aResolveSec, *bResolveSec)
		}
		if *bResolveSec < *aResolveSec {
			return bLabel, fmt.Sprintf("Faster resolution (%.1fs vs %.1fs)", *bResolveSec, *aResolveSec)
		}
	}

	return "tie", "Equal win rate and resolution time"
}

// CompareBaseline compares an agent-enabled campaign to a baseline
// campaign (auto-finding the most recent matching baseline when
// baselineCampaignID is nil), matching comparison.py's compare_baseline.
func CompareBaseline(ctx context.Context, store *Store, classifier CommandClassifier, agentCampaignID int64, baselineCampaignID *int64) (*BaselineComparison, error) {
	agentSummary, err := AnalyzeCampaign(ctx, store, classifier, agentCampaignID)
	if err != nil {
		return nil, err
	}
	agentCampaign, err := store.GetCampaign(ctx, agentCampaignID)
	if err != nil {
		return nil, err
	}

	var baselineID int64
	if baselineCampaignID != nil {
		baselineID = *baselineCampaignID
	} else {
		baseline, err := store.FindBaselineCampaign(ctx, agentCampaign.SubjectName, agentCampaign.ChaosType)
		if err != nil {
			return nil, err
		}
		if baseline == nil {
			return nil, fmt.Errorf("no baseline campaign found for %s/%s", agentCampaign.SubjectName, agentCampaign.ChaosType)
		}
		baselineID = baseline.ID
	}

	baselineSummary, err := AnalyzeCampaign(ctx, store, classifier, baselineID)
	if err != nil {
		return nil, err
	}
	baselineCampaign, err := store.GetCampaign(ctx, baselineID)
	if err != nil {
		return nil, err
	}

	if agentCampaign.SubjectName != baselineCampaign.SubjectName {
		return nil, fmt.Errorf("subject mismatch: agent=%s, baseline=%s", agentCampaign.SubjectName, baselineCampaign.SubjectName)
	}
	if agentCampaign.ChaosType != baselineCampaign.ChaosType {
		return nil, fmt.Errorf("chaos type mismatch: agent=%s, baseline=%s", agentCampaign.ChaosType, baselineCampaign.ChaosType)
	}

	winRateDelta := agentSummary.WinRate - baselineSummary.WinRate
	var resolveTimeDelta *float64
	if agentSummary.AvgTimeToResolveSec != nil && baselineSummary.AvgTimeToResolveSec != nil {
		d := *agentSummary.AvgTimeToResolveSec - *baselineSummary.AvgTimeToResolveSec
		resolveTimeDelta = &d
	}

	winner, reason := determineWinner(
		agentSummary.WinRate, baselineSummary.WinRate,
		agentSummary.AvgTimeToResolveSec, baselineSummary.AvgTimeToResolveSec,
		"agent", "baseline",
	)

	return &BaselineComparison{
		AgentCampaignID:       agentCampaignID,
		BaselineCampaignID:    baselineID,
		SubjectName:           agentCampaign.SubjectName,
		ChaosType:             agentCampaign.ChaosType,
		AgentTrialCount:       agentSummary.TrialCount,
		AgentWinRate:          agentSummary.WinRate,
		AgentAvgDetectSec:     agentSummary.AvgTimeToDetectSec,
		AgentAvgResolveSec:    agentSummary.AvgTimeToResolveSec,
		BaselineTrialCount:    baselineSummary.TrialCount,
		BaselineWinRate:       baselineSummary.WinRate,
		BaselineAvgResolveSec: baselineSummary.AvgTimeToResolveSec,
		WinRateDelta:          winRateDelta,
		ResolveTimeDelta:      resolveTimeDelta,
		Winner:                winner,
		WinnerReason:          reason,
	}, nil
}

// CompareCampaigns compares two campaigns by win rate, tiebreaking on
// resolution time, matching comparison.py's compare_campaigns.
func CompareCampaigns(ctx context.Context, store *Store, classifier CommandClassifier, campaignAID, campaignBID int64) (*CampaignComparison, error) {
	aSummary, err := AnalyzeCampaign(ctx, store, classifier, campaignAID)
	if err != nil {
		return nil, err
	}
	bSummary, err := AnalyzeCampaign(ctx, store, classifier, campaignBID)
	if err != nil {
		return nil, err
	}
	aCampaign, err := store.GetCampaign(ctx, campaignAID)
	if err != nil {
		return nil, err
	}
	bCampaign, err := store.GetCampaign(ctx, campaignBID)
	if err != nil {
		return nil, err
	}

	if aCampaign.SubjectName != bCampaign.SubjectName {
		return nil, fmt.Errorf("subject mismatch: A=%s, B=%s", aCampaign.SubjectName, bCampaign.SubjectName)
	}
	if aCampaign.ChaosType != bCampaign.ChaosType {
		return nil, fmt.Errorf("chaos type mismatch: A=%s, B=%s", aCampaign.ChaosType, bCampaign.ChaosType)
	}

	winRateDelta := bSummary.WinRate - aSummary.WinRate
	var resolveTimeDelta *float64
	if aSummary.AvgTimeToResolveSec != nil && bSummary.AvgTimeToResolveSec != nil {
		d := *bSummary.AvgTimeToResolveSec - *aSummary.AvgTimeToResolveSec
		resolveTimeDelta = &d
	}

	winner, reason := determineWinner(
		aSummary.WinRate, bSummary.WinRate,
		aSummary.AvgTimeToResolveSec, bSummary.AvgTimeToResolveSec,
		"A", "B",
	)

	return &CampaignComparison{
		CampaignAID:      campaignAID,
		CampaignBID:      campaignBID,
		SubjectName:      aCampaign.SubjectName,
		ChaosType:        aCampaign.ChaosType,
		ATrialCount:      aSummary.TrialCount,
		AWinRate:         aSummary.WinRate,
		AAvgResolveSec:   aSummary.AvgTimeToResolveSec,
		BTrialCount:      bSummary.TrialCount,
		BWinRate:         bSummary.WinRate,
		BAvgResolveSec:   bSummary.AvgTimeToResolveSec,
		WinRateDelta:     winRateDelta,
		ResolveTimeDelta: resolveTimeDelta,
		Winner:           winner,
		WinnerReason:     reason,
	}, nil
}

// CompareVariants aggregates every non-baseline campaign for
// subjectName/chaosType, grouped by variant name, matching
// comparison.py's compare_variants. variantNames restricts the result to
// those variants when non-empty.
func CompareVariants(ctx context.Context, store *Store, classifier CommandClassifier, subjectName, chaosType string, variantNames []string) (*VariantComparison, error) {
	campaigns, err := store.ListCampaignsByVariant(ctx, subjectName, chaosType, variantNames)
	if err != nil {
		return nil, err
	}
	if len(campaigns) == 0 {
		return nil, fmt.Errorf("no campaigns found for %s/%s", subjectName, chaosType)
	}

	summariesByVariant := map[string][]*CampaignSummary{}
	for _, c := range campaigns {
		summary, err := AnalyzeCampaign(ctx, store, classifier, c.ID)
		if err != nil {
			return nil, err
		}
		variant := c.VariantName
		if variant == "" {
			variant = "default"
		}
		summariesByVariant[variant] = append(summariesByVariant[variant], summary)
	}

	results := map[string]VariantMetrics{}
	for variant, summaries := range summariesByVariant {
		var totalTrials, totalSuccess, totalCommands int
		var detectValues, resolveValues []float64
		for _, s := range summaries {
			totalTrials += s.TrialCount
			totalSuccess += s.SuccessCount
			totalCommands += s.TotalCommands
			if s.AvgTimeToDetectSec != nil {
				detectValues = append(detectValues, *s.AvgTimeToDetectSec)
			}
			if s.AvgTimeToResolveSec != nil {
				resolveValues = append(resolveValues, *s.AvgTimeToResolveSec)
			}
		}

		metrics := VariantMetrics{
			VariantName:         variant,
			TrialCount:          totalTrials,
			SuccessCount:        totalSuccess,
			AvgTimeToDetectSec:  safeAvg(detectValues),
			AvgTimeToResolveSec: safeAvg(resolveValues),
		}
		if totalTrials > 0 {
			metrics.WinRate = float64(totalSuccess) / float64(totalTrials)
			metrics.AvgCommands = float64(totalCommands) / float64(totalTrials)
		}
		results[variant] = metrics
	}

	return &VariantComparison{
		SubjectName: subjectName,
		ChaosType:   chaosType,
		Variants:    results,
	}, nil
}

func safeAvg(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	avg := sum / float64(len(values))
	return &avg
}
